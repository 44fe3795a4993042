package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/am"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse"
	"github.com/teranos/calsync/runlog"
	"github.com/teranos/calsync/server"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run the scheduler and run executors",
	Long: `Pulse daemon - scheduler ticker plus run executor pool.

The ticker enqueues one pending run per due job each interval. Executors
claim pending runs, build the sync tool config and credential bundle, run the
tool, and record the outcome. Several pulse processes may share a database.

Examples:
  calsync pulse start               # Start in the foreground
  calsync pulse start --workers 4   # Override pulse.workers
  calsync pulse start --no-ticker   # Executors only
  calsync pulse start --serve       # Also serve the HTTP API`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon in the foreground",
	Long: `Start the Pulse daemon and run until interrupted.

On start, runs left running by a crashed executor are failed. On SIGINT or
SIGTERM the ticker stops, in-flight runs are cancelled and recorded as
cancelled, and the process exits.`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", -1, "Concurrent executors (default pulse.workers)")
	PulseStartCmd.Flags().Bool("no-ticker", false, "Run executors only")
	PulseStartCmd.Flags().Bool("serve", false, "Also serve the HTTP API on server.port")
	PulseStartCmd.Flags().Bool("watch-config", true, "Apply config file changes (spawn rate limit) without restarting")
	PulseCmd.AddCommand(PulseStartCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers >= 0 {
		cfg.Pulse.Workers = workers
	}
	if noTicker, _ := cmd.Flags().GetBool("no-ticker"); noTicker {
		cfg.Pulse.TickerIntervalSeconds = 0
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	daemon, err := pulse.New(database, cfg, logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(); err != nil {
		return err
	}

	pterm.Success.Println("Pulse daemon started")
	pterm.Printfln("  Workers:          %d", daemon.Workers())
	pterm.Printfln("  Ticker interval:  %v", cfg.Pulse.TickerInterval())
	pterm.Printfln("  Poll interval:    %v", cfg.Pulse.PollInterval())
	pterm.Printfln("  Sync command:     %s", cfg.Sync.Command)

	if watch, _ := cmd.Flags().GetBool("watch-config"); watch {
		if files := am.LoadedFiles(); len(files) > 0 {
			watcher, err := am.NewConfigWatcher(files, logger.Logger)
			if err != nil {
				logger.Logger.Warnw("Config watcher unavailable", logger.FieldError, err)
			} else {
				watcher.OnReload(daemon.ApplyConfig)
				watcher.Start()
				defer watcher.Stop()
			}
		}
	}

	serveErr := make(chan error, 1)
	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		logs, err := runlog.NewStore(cfg.Logs.Root, logger.Logger)
		if err != nil {
			daemon.Stop()
			return err
		}
		srv, err := server.New(database, server.Options{Logs: logs, Daemon: daemon, Logger: logger.Logger})
		if err != nil {
			daemon.Stop()
			return err
		}
		go func() { serveErr <- srv.ListenAndServe(ctx, cfg.GetServerPort()) }()
		pterm.Printfln("  HTTP API:         :%d", cfg.GetServerPort())
	}
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}

	pterm.Info.Println("Shutting down...")
	stop()
	daemon.Stop()
	pterm.Success.Println("Pulse daemon stopped")
	return err
}
