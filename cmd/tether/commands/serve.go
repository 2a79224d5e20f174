package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eachlabs/tether/internal/rpc"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve hosts over WebSocket",
	Long: `Serve the host protocol over WebSocket at ws://<host>:<port>/ws.
Each connection gets its own set of channels. /healthz reports liveness.

Examples:
  tether serve
  tether serve --port 9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		host, port := rt.config.Server.Host, rt.config.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		rt.watch(ctx)

		srv := rpc.NewServer(rpc.ServerConfig{
			Host:    host,
			Port:    port,
			Session: rt.session,
			Logger:  rt.logger,
		})
		return srv.ListenAndServe(ctx)
	},
}

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve one host over stdin/stdout",
	Long: `Serve the host protocol as newline-delimited JSON on stdin/stdout.
Logs go to stderr or the configured log file; stdout carries frames only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		rt.watch(ctx)

		conn := rpc.NewStreamConn(cmd.InOrStdin(), cmd.OutOrStdout(), nil)
		rt.logger.Info("serving host on stdio", "backend", string(rt.router.Active()))
		return rpc.Serve(ctx, conn, rt.session, rt.logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default from config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
}
