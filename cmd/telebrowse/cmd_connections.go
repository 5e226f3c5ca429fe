package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/telebrowse/telebrowse/pkg/config"
)

var connectionsCmd = &cobra.Command{
	Use:     "connections",
	Aliases: []string{"conn"},
	Short:   "Manage SSH connection profiles",
	Long: `Manage SSH connection profiles.

Profiles are stored under the config directory with passwords encrypted
at rest.

Examples:
  telebrowse connections list
  telebrowse connections add --name dev --host 10.0.0.5 --username ops
  telebrowse connections add --name lab --host lab.example --username ops --key ~/.ssh/id_ed25519
  telebrowse connections test dev
  telebrowse connections remove dev`,
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connection profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		conns, err := store.List()
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			fmt.Println("No connections configured.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tHOST\tPORT\tUSER\tAUTH")
		for _, c := range conns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", c.ID, c.Name, c.Host, c.Port, c.Username, c.AuthKind)
		}
		return w.Flush()
	},
}

var (
	addName     string
	addHost     string
	addPort     int
	addUsername string
	addKeyPath  string
	addPassword string
)

var connectionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a connection profile",
	Long: `Add a connection profile.

With --key the profile authenticates with a private key; otherwise it
uses a password, prompted for if --password is not given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := config.Connection{
			Name:     addName,
			Host:     addHost,
			Port:     addPort,
			Username: addUsername,
		}
		if addKeyPath != "" {
			c.AuthKind = config.AuthPrivateKey
			c.KeyPath = addKeyPath
		} else {
			c.AuthKind = config.AuthPassword
			c.Password = addPassword
			if c.Password == "" {
				fmt.Fprintf(os.Stderr, "Password for %s@%s: ", c.Username, c.Host)
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				c.Password = string(raw)
			}
		}
		id, err := store.Add(c)
		if err != nil {
			return err
		}
		fmt.Printf("Added connection %q (%s)\n", c.Name, id)
		return nil
	},
}

var connectionsRemoveCmd = &cobra.Command{
	Use:   "remove <name|id>",
	Short: "Remove a connection profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := resolveConnection(args[0])
		if err != nil {
			return err
		}
		if err := store.Remove(c.ID); err != nil {
			return err
		}
		fmt.Printf("Removed connection %q\n", c.Name)
		return nil
	},
}

var connectionsTestCmd = &cobra.Command{
	Use:   "test <name|id>",
	Short: "Test a connection profile by opening and closing an SSH session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := resolveConnection(args[0])
		if err != nil {
			return err
		}
		var res struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		if err := newAPIClient().call("POST", "/api/connections/"+c.ID+"/test", nil, &res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("connection test failed: %s", res.Message)
		}
		fmt.Printf("✓ %s\n", res.Message)
		return nil
	},
}

func init() {
	connectionsAddCmd.Flags().StringVar(&addName, "name", "", "Profile name")
	connectionsAddCmd.Flags().StringVar(&addHost, "host", "", "SSH host")
	connectionsAddCmd.Flags().IntVar(&addPort, "port", 22, "SSH port")
	connectionsAddCmd.Flags().StringVar(&addUsername, "username", "", "SSH user")
	connectionsAddCmd.Flags().StringVar(&addKeyPath, "key", "", "Private key path (enables key auth)")
	connectionsAddCmd.Flags().StringVar(&addPassword, "password", "", "Password (prompted when omitted)")
	connectionsAddCmd.MarkFlagRequired("name")
	connectionsAddCmd.MarkFlagRequired("host")
	connectionsAddCmd.MarkFlagRequired("username")

	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsRemoveCmd)
	connectionsCmd.AddCommand(connectionsTestCmd)
}
