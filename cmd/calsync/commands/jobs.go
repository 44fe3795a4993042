package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/display"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/runlog"
	"github.com/teranos/calsync/synctool"
)

// JobsCmd manages sync job definitions
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage sync jobs",
	Long: `jobs - Create, list, pause, resume and delete sync jobs.

A job mirrors a source calendar into a destination calendar on a fixed
cadence: every_15_minutes, hourly or daily. New jobs are due on the next
scheduler tick.

Examples:
  calsync jobs create --owner alice \
      --source-account A --source-resource work@example.com --source-tz Europe/Amsterdam \
      --dest-account B --dest-resource personal --cadence hourly \
      --config '{"options":{"busy_only":{"enabled":true}}}'
  calsync jobs ls --owner alice
  calsync jobs pause <job-id>
  calsync jobs options            # List transform and filter options`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sync job",
	RunE:  runJobsCreate,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sync jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a sync job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job; the scheduler stops selecting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobStatus(cmd, args[0], schedule.StatusPaused)
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setJobStatus(cmd, args[0], schedule.StatusActive)
	},
}

var jobsSetCadenceCmd = &cobra.Command{
	Use:   "set-cadence <job-id> <cadence>",
	Short: "Change a job's cadence",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsSetCadence,
}

var jobsSetConfigCmd = &cobra.Command{
	Use:   "set-config <job-id>",
	Short: "Replace a job's option config",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSetConfig,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job, its runs and its run logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsOptionsCmd = &cobra.Command{
	Use:   "options",
	Short: "List the transform and filter options a job can enable",
	RunE:  runJobsOptions,
}

func init() {
	f := jobsCreateCmd.Flags()
	f.String("owner", "", "Owning principal (required)")
	f.String("source-account", "", "Source account ID (required)")
	f.String("source-resource", "", "Source calendar ID (required)")
	f.String("source-tz", "UTC", "Source calendar timezone")
	f.String("dest-account", "", "Destination account ID (required)")
	f.String("dest-resource", "", "Destination calendar ID (required)")
	f.String("dest-tz", "UTC", "Destination calendar timezone")
	f.String("cadence", string(schedule.CadenceHourly), "every_15_minutes, hourly or daily")
	addConfigFlags(jobsCreateCmd)
	for _, name := range []string{"owner", "source-account", "source-resource", "dest-account", "dest-resource"} {
		jobsCreateCmd.MarkFlagRequired(name)
	}

	jobsLsCmd.Flags().String("owner", "", "Filter by owner")
	jobsLsCmd.Flags().String("status", "", "Filter by status (active, paused)")

	addConfigFlags(jobsSetConfigCmd)

	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsSetCadenceCmd)
	JobsCmd.AddCommand(jobsSetConfigCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsOptionsCmd)
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", `Option config JSON, e.g. {"options":{"busy_only":{"enabled":true}}}`)
	cmd.Flags().String("config-file", "", "Read option config JSON from a file")
}

// readConfigFlag returns the --config or --config-file JSON, or nil when neither is set.
func readConfigFlag(cmd *cobra.Command) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("config")
	path, _ := cmd.Flags().GetString("config-file")
	switch {
	case inline != "" && path != "":
		return nil, errors.New("use either --config or --config-file, not both")
	case inline != "":
		return json.RawMessage(inline), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		return json.RawMessage(data), nil
	}
	return nil, nil
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	f := cmd.Flags()
	flag := func(name string) string {
		v, _ := f.GetString(name)
		return v
	}

	cadence, err := schedule.ParseCadence(flag("cadence"))
	if err != nil {
		return err
	}
	config, err := readConfigFlag(cmd)
	if err != nil {
		return err
	}

	job := &schedule.Job{
		Owner: flag("owner"),
		Source: schedule.Endpoint{
			AccountID:  flag("source-account"),
			ResourceID: flag("source-resource"),
			Timezone:   flag("source-tz"),
		},
		Destination: schedule.Endpoint{
			AccountID:  flag("dest-account"),
			ResourceID: flag("dest-resource"),
			Timezone:   flag("dest-tz"),
		},
		Cadence: cadence,
		Config:  config,
	}
	if err := schedule.NewStore(database, nil).Create(cmd.Context(), job); err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(job)
	}
	pterm.Success.Printfln("Created job %s (%s, due on the next tick)", job.ID, job.Cadence)
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	owner, _ := cmd.Flags().GetString("owner")
	status, _ := cmd.Flags().GetString("status")
	jobs, err := schedule.NewStore(database, nil).List(cmd.Context(), schedule.ListOptions{Owner: owner, Status: status})
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			util.ShortID(j.ID),
			j.Owner,
			j.Source.ResourceID + " -> " + j.Destination.ResourceID,
			string(j.Cadence),
			display.Status(j.Status),
			display.Time(j.LastRunAt),
			display.Time(j.NextRunAt),
		})
	}
	if err := display.Table([]string{"JOB", "OWNER", "SYNC", "CADENCE", "STATUS", "LAST RUN", "NEXT RUN"}, rows); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := schedule.NewStore(database, nil).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(job)
	}

	fmt.Printf("Job:          %s\n", job.ID)
	fmt.Printf("Owner:        %s\n", job.Owner)
	fmt.Printf("Source:       %s / %s (%s)\n", job.Source.AccountID, job.Source.ResourceID, job.Source.Timezone)
	fmt.Printf("Destination:  %s / %s (%s)\n", job.Destination.AccountID, job.Destination.ResourceID, job.Destination.Timezone)
	fmt.Printf("Cadence:      %s\n", job.Cadence)
	fmt.Printf("Status:       %s\n", display.Status(job.Status))
	fmt.Printf("Last run:     %s\n", display.Time(job.LastRunAt))
	fmt.Printf("Next run:     %s\n", display.Time(job.NextRunAt))
	fmt.Printf("Config:       %s\n", string(job.Config))
	return nil
}

func setJobStatus(cmd *cobra.Command, id, status string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database, nil).UpdateStatus(cmd.Context(), id, status); err != nil {
		return err
	}
	pterm.Success.Printfln("Job %s is now %s", id, status)
	return nil
}

func runJobsSetCadence(cmd *cobra.Command, args []string) error {
	cadence, err := schedule.ParseCadence(args[1])
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database, nil).UpdateCadence(cmd.Context(), args[0], cadence); err != nil {
		return err
	}
	pterm.Success.Printfln("Job %s now runs %s", args[0], cadence)
	return nil
}

func runJobsSetConfig(cmd *cobra.Command, args []string) error {
	config, err := readConfigFlag(cmd)
	if err != nil {
		return err
	}
	if config == nil {
		return errors.New("--config or --config-file is required")
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database, nil).UpdateConfig(cmd.Context(), args[0], config); err != nil {
		return err
	}
	pterm.Success.Printfln("Updated config of job %s", args[0])
	return nil
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database, nil).Delete(cmd.Context(), args[0]); err != nil {
		return err
	}

	logs, err := runlog.NewStore(cfg.Logs.Root, logger.Logger)
	if err != nil {
		return err
	}
	if err := logs.Remove(args[0]); err != nil {
		pterm.Warning.Printfln("Job deleted but its run logs could not be removed: %v", err)
	}
	pterm.Success.Printfln("Deleted job %s", args[0])
	return nil
}

func runJobsOptions(cmd *cobra.Command, args []string) error {
	options := synctool.DefaultRegistry().Options()
	if display.ShouldOutputJSON(cmd) {
		type optionView struct {
			ID          string           `json:"id"`
			Description string           `json:"description"`
			Fields      []synctool.Field `json:"fields"`
		}
		views := make([]optionView, 0, len(options))
		for _, o := range options {
			views = append(views, optionView{ID: o.ID, Description: o.Description, Fields: o.Fields})
		}
		return display.OutputJSON(views)
	}

	rows := make([][]string, 0, len(options))
	for _, o := range options {
		fields := make([]string, 0, len(o.Fields))
		for _, fd := range o.Fields {
			desc := fmt.Sprintf("%s (%s", fd.Name, fd.Kind)
			if fd.Required {
				desc += ", required"
			}
			if fd.Default != nil {
				desc += fmt.Sprintf(", default %v", fd.Default)
			}
			fields = append(fields, desc+")")
		}
		rows = append(rows, []string{o.ID, o.Description, strings.Join(fields, "; ")})
	}
	return display.Table([]string{"OPTION", "DESCRIPTION", "FIELDS"}, rows)
}
