package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultWebAddr = "127.0.0.1:8420"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status UI and JSON API",
	Long: `Serve starts an HTTP server showing pipelines, their event history and
the fallback queue. JSON is available under /api, and
/api/pipelines/<id>/stream follows a worker's terminal as Server-Sent Events.

It only reads state, so it can run next to the daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.Web.Addr
		}
		if addr == "" {
			addr = defaultWebAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		srv, err := a.statusServer(ctx, addr)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default web.addr, then "+defaultWebAddr+")")
}
