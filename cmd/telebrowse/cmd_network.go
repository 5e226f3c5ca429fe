package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Record and export page network traffic",
	Long: `Record and export page network traffic through the active session.

Examples:
  telebrowse network start
  telebrowse browser navigate --url https://example.com
  telebrowse network stop
  telebrowse network export --output trace.har`,
}

var networkStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start capturing network traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().call("POST", "/api/network/start", nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ network capture started")
		return nil
	},
}

var networkStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop capturing network traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Count int `json:"count"`
		}
		if err := newAPIClient().call("POST", "/api/network/stop", nil, &res); err != nil {
			return err
		}
		fmt.Printf("✓ network capture stopped (%d entries)\n", res.Count)
		return nil
	},
}

var networkClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard captured entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().call("POST", "/api/network/clear", nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ network capture cleared")
		return nil
	},
}

var (
	exportFormat string
	exportOutput string
)

var networkExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export captured traffic as HAR or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newAPIClient().callRaw("GET", "/api/network/export?format="+exportFormat)
		if err != nil {
			return err
		}
		out := exportOutput
		if out == "" {
			out = "network." + exportFormat
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("✓ wrote %s (%d bytes)\n", out, len(data))
		return nil
	},
}

func init() {
	networkExportCmd.Flags().StringVar(&exportFormat, "format", "har", "har or json")
	networkExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default network.<format>)")

	networkCmd.AddCommand(networkStartCmd)
	networkCmd.AddCommand(networkStopCmd)
	networkCmd.AddCommand(networkClearCmd)
	networkCmd.AddCommand(networkExportCmd)
}
