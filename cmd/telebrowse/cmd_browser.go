package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var browserCmd = &cobra.Command{
	Use:   "browser",
	Short: "Drive the remote browser",
	Long: `Drive the remote browser through the active session.

Examples:
  telebrowse browser navigate --url https://example.com
  telebrowse browser navigate --url https://example.com --wait-until networkidle
  telebrowse browser screenshot --output page.png --full-page
  telebrowse browser eval 'document.title'`,
}

var (
	navURL       string
	navWaitUntil string
	navTimeoutMs int
)

var browserNavigateCmd = &cobra.Command{
	Use:   "navigate",
	Short: "Navigate to a URL and wait for the requested load state",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{"url": navURL}
		if navWaitUntil != "" {
			body["waitUntil"] = navWaitUntil
		}
		if navTimeoutMs != 0 {
			body["timeout"] = navTimeoutMs
		}
		var res struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		if err := newAPIClient().call("POST", "/api/browser/navigate", body, &res); err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", res.URL)
		if res.Title != "" {
			fmt.Printf("  %s\n", res.Title)
		}
		return nil
	},
}

var (
	shotOutput   string
	shotFormat   string
	shotQuality  int
	shotFullPage bool
)

var browserScreenshotCmd = &cobra.Command{
	Use:   "screenshot",
	Short: "Capture the current page",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{}
		if shotFormat != "" {
			body["format"] = shotFormat
		}
		if shotQuality != 0 {
			body["quality"] = shotQuality
		}
		if shotFullPage {
			body["fullPage"] = true
		}
		var res struct {
			Data   string `json:"data"`
			Format string `json:"format"`
		}
		if err := newAPIClient().call("POST", "/api/browser/screenshot", body, &res); err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			return fmt.Errorf("decoding screenshot: %w", err)
		}
		out := shotOutput
		if out == "" {
			out = "screenshot." + res.Format
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("✓ wrote %s (%d bytes)\n", out, len(data))
		return nil
	},
}

var browserEvalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate a JavaScript expression in the page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Result json.RawMessage `json:"result"`
		}
		if err := newAPIClient().call("POST", "/api/browser/evaluate",
			map[string]string{"expression": args[0]}, &res); err != nil {
			return err
		}
		fmt.Println(string(res.Result))
		return nil
	},
}

func init() {
	browserNavigateCmd.Flags().StringVar(&navURL, "url", "", "URL to load")
	browserNavigateCmd.Flags().StringVar(&navWaitUntil, "wait-until", "", "load, domcontentloaded or networkidle")
	browserNavigateCmd.Flags().IntVar(&navTimeoutMs, "timeout", 0, "Navigation timeout in milliseconds")
	browserNavigateCmd.MarkFlagRequired("url")

	browserScreenshotCmd.Flags().StringVarP(&shotOutput, "output", "o", "", "Output file (default screenshot.<format>)")
	browserScreenshotCmd.Flags().StringVar(&shotFormat, "format", "", "png, jpeg or webp")
	browserScreenshotCmd.Flags().IntVar(&shotQuality, "quality", 0, "Quality for jpeg/webp")
	browserScreenshotCmd.Flags().BoolVar(&shotFullPage, "full-page", false, "Capture the whole page")

	browserCmd.AddCommand(browserNavigateCmd)
	browserCmd.AddCommand(browserScreenshotCmd)
	browserCmd.AddCommand(browserEvalCmd)
}
