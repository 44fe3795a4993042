package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse"
	"github.com/teranos/calsync/runlog"
	"github.com/teranos/calsync/server"
)

// ServerCmd serves the read-only HTTP API
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the read-only HTTP API",
	Long: `Serve run history, run logs, health and Prometheus metrics.

Endpoints:
  GET /api/jobs/{job}/runs              Run history, newest first (limit, offset, status)
  GET /api/jobs/{job}/runs/{run}        One run
  GET /api/jobs/{job}/runs/{run}/log    Full captured output (text/plain)
  GET /health                           Daemon, queue and host status
  GET /metrics                          Prometheus metrics

Examples:
  calsync server                  # Serve on server.port
  calsync server --port 9000
  calsync server --with-pulse     # Also run the Pulse daemon in this process`,
	RunE: runServer,
}

func init() {
	ServerCmd.Flags().Int("port", 0, "Port to listen on (default server.port)")
	ServerCmd.Flags().Bool("with-pulse", false, "Run the Pulse daemon in this process")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	port := cfg.GetServerPort()
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	logs, err := runlog.NewStore(cfg.Logs.Root, logger.Logger)
	if err != nil {
		return err
	}

	opts := server.Options{Logs: logs, Logger: logger.Logger}
	if withPulse, _ := cmd.Flags().GetBool("with-pulse"); withPulse {
		daemon, err := pulse.New(database, cfg, logger.Logger)
		if err != nil {
			return err
		}
		if err := daemon.Start(); err != nil {
			return err
		}
		defer daemon.Stop()
		opts.Daemon = daemon
	}

	srv, err := server.New(database, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Serving on :%d", port)
	return srv.ListenAndServe(ctx, port)
}
