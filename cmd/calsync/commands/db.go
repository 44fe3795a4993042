package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/am"
	"github.com/teranos/calsync/db"
	"github.com/teranos/calsync/display"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/schedule"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Migrate and inspect the database",
	Long: `db - Manage the calsync SQLite database.

Examples:
  calsync db migrate              # Apply pending migrations
  calsync db status               # Show migrations, queue depth and next due job`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration state and run queue depth",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return err
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.PendingVersions(database)
	if err != nil {
		return err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrapf(err, "failed to migrate %s", path)
	}

	if len(pending) == 0 {
		pterm.Info.Printf("Database %s is up to date\n", path)
		return nil
	}
	pterm.Success.Printf("Applied %d migration(s) to %s: %v\n", len(pending), path, pending)
	return nil
}

type dbStatus struct {
	Path       string            `json:"path"`
	Applied    []string          `json:"applied"`
	Runs       schedule.RunStats `json:"runs"`
	NextDueJob *string           `json:"next_due_job,omitempty"`
	NextDueAt  *string           `json:"next_due_at,omitempty"`
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	applied, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	stats, err := schedule.NewRunStore(database).Stats(ctx)
	if err != nil {
		return err
	}
	next, err := schedule.NewStore(database, nil).NextScheduled(ctx)
	if err != nil {
		return err
	}

	st := dbStatus{Path: path, Applied: applied, Runs: stats}
	if next != nil {
		st.NextDueJob = &next.ID
		due := "now"
		if next.NextRunAt != nil {
			due = display.Time(next.NextRunAt)
		}
		st.NextDueAt = &due
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(st)
	}

	fmt.Printf("Database:       %s\n", st.Path)
	fmt.Printf("Migrations:     %v\n", st.Applied)
	fmt.Printf("Runs pending:   %d\n", st.Runs.Pending)
	fmt.Printf("Runs running:   %d\n", st.Runs.Running)
	if st.NextDueJob != nil {
		fmt.Printf("Next due job:   %s (%s)\n", *st.NextDueJob, *st.NextDueAt)
	}
	return nil
}
