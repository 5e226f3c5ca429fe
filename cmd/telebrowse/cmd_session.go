package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telebrowse/telebrowse/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Control the browser session on the serve instance",
	Long: `Control the browser session on the running serve instance.

Examples:
  telebrowse session start -c dev
  telebrowse session status
  telebrowse session stop`,
}

var (
	startConnection string
	startHeadless   bool
	startLocalPort  int
	startRemotePort int
)

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session: SSH, remote browser, port forward, CDP",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := resolveConnection(startConnection)
		if err != nil {
			return err
		}
		body := map[string]interface{}{"connectionId": c.ID}
		if cmd.Flags().Changed("headless") {
			body["headless"] = startHeadless
		}
		if startLocalPort != 0 {
			body["localPort"] = startLocalPort
		}
		if startRemotePort != 0 {
			body["remotePort"] = startRemotePort
		}
		var res struct {
			Success bool          `json:"success"`
			State   session.State `json:"state"`
		}
		if err := newAPIClient().call("POST", "/api/session/start", body, &res); err != nil {
			return err
		}
		fmt.Printf("✓ session ready (%s@%s:%d)\n", c.Username, c.Host, c.Port)
		printState(res.State)
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().call("POST", "/api/session/stop", nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ session stopped")
		return nil
	},
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Active bool           `json:"active"`
			State  *session.State `json:"state"`
		}
		if err := newAPIClient().call("GET", "/api/session/status", nil, &res); err != nil {
			return err
		}
		if !res.Active || res.State == nil {
			fmt.Println("No active session.")
			return nil
		}
		printState(*res.State)
		return nil
	},
}

func printState(st session.State) {
	fmt.Printf("  ssh:         %s\n", st.SSH)
	fmt.Printf("  portForward: %s\n", st.PortForward)
	fmt.Printf("  browser:     %s\n", st.Browser)
	fmt.Printf("  cdp:         %s\n", st.CDP)
}

func init() {
	sessionStartCmd.Flags().StringVarP(&startConnection, "connection", "c", "", "Connection name or id")
	sessionStartCmd.Flags().BoolVar(&startHeadless, "headless", true, "Run the browser headless")
	sessionStartCmd.Flags().IntVar(&startLocalPort, "local-port", 0, "Local end of the debug port forward")
	sessionStartCmd.Flags().IntVar(&startRemotePort, "remote-port", 0, "Remote debugging port")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
}
