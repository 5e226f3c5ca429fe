// Telebrowse - Remote Browser Session Tool
//
// A CLI for driving a Chromium browser on a remote host over SSH:
//   - Connection profiles with encrypted passwords at rest
//   - One-command session bring-up (SSH, browser, port forward, CDP)
//   - Page control: navigate, screenshot, evaluate
//   - Network capture with HAR export
//
// The serve command runs the API backend; session, browser and network
// verbs talk to it:
//
//	telebrowse serve                              # run the backend
//	telebrowse connections add --name dev --host h --username u
//	telebrowse session start -c dev
//	telebrowse browser navigate --url https://example.com
//	telebrowse network export --output trace.har
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telebrowse/telebrowse/pkg/config"
	"github.com/telebrowse/telebrowse/pkg/util"
	"github.com/telebrowse/telebrowse/pkg/version"
)

const defaultListen = "127.0.0.1:8700"

var (
	// Global option flags
	configDir string
	apiAddr   string
	verbose   bool

	// Global state
	userSettings *config.Settings
	store        *config.Store
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "telebrowse",
	Short:             "Remote Browser Session Tool",
	Version:           version.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Telebrowse drives a Chromium browser on a remote host over SSH.

Run the backend with "telebrowse serve", then use the session, browser
and network verbs against it. Connection profiles are stored locally
with passwords encrypted at rest.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		userSettings, err = config.LoadSettings()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &config.Settings{}
		}

		switch {
		case verbose:
			util.SetLogLevel("debug")
		case userSettings.LogLevel != "":
			util.SetLogLevel(userSettings.LogLevel)
		default:
			util.SetLogLevel("warn")
		}

		if apiAddr == "" {
			apiAddr = userSettings.Listen
		}
		if apiAddr == "" {
			apiAddr = defaultListen
		}

		if configDir == "" {
			configDir = config.DefaultDir()
		}
		store, err = config.NewStore(configDir)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default ~/.telebrowse)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "Address of the running telebrowse serve instance")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(browserCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(serveCmd)
}

// resolveConnection finds a connection by id or name; empty falls back to the
// settings default, then the last used connection.
func resolveConnection(nameOrID string) (config.Connection, error) {
	if nameOrID == "" {
		nameOrID = userSettings.DefaultConnection
	}
	if nameOrID == "" {
		nameOrID = store.LastConnectionID()
	}
	if nameOrID == "" {
		return config.Connection{}, fmt.Errorf("no connection specified: use -c or set default_connection in settings")
	}
	if c, err := store.Get(nameOrID); err == nil {
		return c, nil
	}
	conns, err := store.List()
	if err != nil {
		return config.Connection{}, err
	}
	for _, c := range conns {
		if c.Name == nameOrID {
			return c, nil
		}
	}
	return config.Connection{}, fmt.Errorf("connection %q not found", nameOrID)
}
