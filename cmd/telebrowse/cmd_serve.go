package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telebrowse/telebrowse/pkg/api"
	"github.com/telebrowse/telebrowse/pkg/session"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API backend",
	Long: `Run the API backend.

Serves the JSON API and the /api/events WebSocket until interrupted.
An active session is stopped cleanly on shutdown.

Examples:
  telebrowse serve
  telebrowse serve --listen 0.0.0.0:8700`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := listenAddr
		if addr == "" {
			addr = apiAddr
		}

		sess := session.New()
		srv := api.NewServer(store, sess)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("telebrowse serve listening on %s\n", addr)
		err := srv.ListenAndServe(ctx, addr)

		if sess.Active() {
			sess.Stop()
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from settings or 127.0.0.1:8700)")
}
