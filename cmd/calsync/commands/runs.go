package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/display"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/runlog"
)

// RunsCmd inspects run history
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history and logs, cancel runs",
	Long: `runs - Inspect a job's runs.

Examples:
  calsync runs ls <job-id>                  # Newest first
  calsync runs ls <job-id> --status failed
  calsync runs show <job-id> <run-id>
  calsync runs log <job-id> <run-id>        # Full captured stdout/stderr
  calsync runs cancel <run-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var runsLsCmd = &cobra.Command{
	Use:   "ls <job-id>",
	Short: "List a job's runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLs,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <job-id> <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunsShow,
}

var runsLogCmd = &cobra.Command{
	Use:   "log <job-id> <run-id>",
	Short: "Print a run's full log",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunsLog,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Long: `Cancel a run. A pending run is cancelled immediately. A running run is
flagged; its executor terminates the sync tool within
pulse.cancel_poll_interval_seconds and records the run as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsCancel,
}

func init() {
	runsLsCmd.Flags().Int("limit", 20, "Maximum number of runs to show (max 100)")
	runsLsCmd.Flags().Int("offset", 0, "Skip this many runs")
	runsLsCmd.Flags().String("status", "", "Filter by status (pending, running, success, failed, cancelled)")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
	RunsCmd.AddCommand(runsLogCmd)
	RunsCmd.AddCommand(runsCancelCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	status, _ := cmd.Flags().GetString("status")

	runs, total, err := schedule.NewRunStore(database).ListRuns(cmd.Context(), args[0], schedule.ListRunsOptions{
		Limit:  limit,
		Offset: offset,
		Status: status,
	})
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{"runs": runs, "total": total})
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs found")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		rows = append(rows, []string{
			util.ShortID(r.ID),
			display.Status(r.Status),
			display.Time(&r.CreatedAt),
			display.Duration(r.Duration()),
			exit,
			util.TailLines(r.Message, 1),
		})
	}
	if err := display.Table([]string{"RUN", "STATUS", "CREATED", "DURATION", "EXIT", "MESSAGE"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d of %d run(s)\n", len(runs), total)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	run, err := schedule.NewRunStore(database).GetRun(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(run)
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Job:        %s\n", run.JobID)
	fmt.Printf("Status:     %s\n", display.Status(run.Status))
	fmt.Printf("Created:    %s\n", display.Time(&run.CreatedAt))
	fmt.Printf("Started:    %s\n", display.Time(run.StartedAt))
	fmt.Printf("Finished:   %s\n", display.Time(run.FinishedAt))
	fmt.Printf("Duration:   %s\n", display.Duration(run.Duration()))
	if run.ExitCode != nil {
		fmt.Printf("Exit code:  %d\n", *run.ExitCode)
	}
	if run.CancelRequested {
		fmt.Printf("Cancel:     requested\n")
	}
	if run.LogLocation != nil {
		fmt.Printf("Log:        %s\n", *run.LogLocation)
	}
	if run.Message != "" {
		fmt.Printf("\n%s\n", run.Message)
	}
	return nil
}

func runRunsLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	run, err := schedule.NewRunStore(database).GetRun(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if run.LogLocation == nil {
		return errors.NewNotFoundError("run %s has no log (status %s)", run.ID, run.Status)
	}

	logs, err := runlog.NewStore(cfg.Logs.Root, logger.Logger)
	if err != nil {
		return err
	}
	content, err := logs.Read(run.JobID, run.ID)
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	status, err := schedule.NewRunStore(database).RequestCancel(cmd.Context(), args[0], time.Now())
	if err != nil {
		return err
	}
	if status == schedule.RunStatusRunning {
		pterm.Success.Printfln("Cancellation requested for running run %s", args[0])
		return nil
	}
	pterm.Success.Printfln("Run %s cancelled", args[0])
	return nil
}
