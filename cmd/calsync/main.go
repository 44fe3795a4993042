package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/calsync/cmd/calsync/commands"
	"github.com/teranos/calsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "calsync - scheduled calendar synchronization",
	Long: `calsync - scheduled calendar synchronization.

Recurring jobs mirror one calendar into another by running an external sync
tool on a fixed cadence. Runs are queued in SQLite and claimed by executors,
so any number of processes can share one database.

Available commands:
  am        - Show and validate configuration
  db        - Migrate and inspect the database
  pulse     - Run the scheduler and executors
  jobs      - Manage sync jobs
  runs      - Inspect run history and logs, cancel runs
  accounts  - Manage linked accounts and credential bundles
  server    - Serve the read-only HTTP API

Examples:
  calsync am show                 # Show current configuration
  calsync pulse start             # Run scheduler and executors in the foreground
  calsync jobs ls                 # List jobs
  calsync runs ls <job-id>        # Show a job's run history`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' output is meant for piping
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.LevelForVerbosity(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v for debug)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().Bool("json", false, "Print command output as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.AccountsCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
