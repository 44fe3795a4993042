package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/calsync/db"
	"github.com/teranos/calsync/errors"
)

// RunStore persists job runs. Every state change is a conditional update on
// the current status, so terminal rows are never rewritten and concurrent
// executors coordinate through the database alone.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(conn *sql.DB) *RunStore {
	return &RunStore{db: conn}
}

const runColumns = `seq, id, job_id, status, created_at, started_at, finished_at,
	message, log_location, exit_code, cancel_requested`

// ListClaimable returns pending runs in creation order whose job has no run
// currently executing.
func (s *RunStore) ListClaimable(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM job_runs r
		WHERE r.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM job_runs o
			WHERE o.job_id = r.job_id AND o.status = 'running'
		  )
		ORDER BY r.seq ASC
		LIMIT ?`, limit)
}

// Claim moves a pending run to running. A false result with nil error means
// another executor got there first, or the run was cancelled meanwhile.
func (s *RunStore) Claim(ctx context.Context, runID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM job_runs o
			WHERE o.job_id = job_runs.job_id AND o.status = 'running'
		  )`,
		db.FormatTime(now), runID,
	)
	if err != nil {
		if db.IsConflict(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to claim run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// FinishInput is the terminal outcome of a run.
type FinishInput struct {
	Status      string
	Message     string
	LogLocation *string
	ExitCode    *int
}

// Finish records the terminal outcome of a running run and stamps the job's
// last_run_at, in one transaction. Returns false when the run was not running
// (already terminal), leaving it untouched.
func (s *RunStore) Finish(ctx context.Context, runID string, in FinishInput, now time.Time) (bool, error) {
	if !IsTerminalRunStatus(in.Status) {
		return false, errors.Newf("finish run %s: %q is not a terminal status", runID, in.Status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, errors.Wrapf(err, "failed to begin finish for run %s", runID)
	}
	defer tx.Rollback()

	finished := db.FormatTime(now)
	res, err := tx.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, finished_at = ?, message = ?, log_location = ?, exit_code = ?
		WHERE id = ? AND status = 'running'`,
		in.Status, finished, in.Message, in.LogLocation, in.ExitCode, runID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs SET last_run_at = ?, updated_at = ?
		WHERE id = (SELECT job_id FROM job_runs WHERE id = ?)`,
		finished, finished, runID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update last_run_at for run %s", runID)
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "failed to commit finish for run %s", runID)
	}
	return true, nil
}

// RequestCancel cancels a pending run outright and flags a running run for
// its executor to stop. Cancelling a finished run is an invalid request.
// Returns the run's status after the call.
func (s *RunStore) RequestCancel(ctx context.Context, runID string, now time.Time) (string, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = 'cancelled', finished_at = ?, message = 'cancelled before start'
		WHERE id = ? AND status = 'pending'`,
		db.FormatTime(now), runID,
	)
	if err != nil {
		return "", errors.Wrapf(err, "failed to cancel run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return RunStatusCancelled, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE job_runs SET cancel_requested = 1 WHERE id = ? AND status = 'running'`, runID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to request cancel for run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return RunStatusRunning, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM job_runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFoundError("run %s not found", runID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read run %s", runID)
	}
	return status, errors.NewInvalidRequestError("run %s already %s", runID, status)
}

// IsCancelRequested reports whether a running run has been asked to stop.
func (s *RunStore) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM job_runs WHERE id = ?`, runID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, errors.NewNotFoundError("run %s not found", runID)
		}
		return false, errors.Wrapf(err, "failed to read cancel flag for run %s", runID)
	}
	return flag != 0, nil
}

// GetRun returns a run belonging to jobID.
func (s *RunStore) GetRun(ctx context.Context, jobID, runID string) (*Run, error) {
	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE id = ? AND job_id = ?`, runID, jobID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NewNotFoundError("run %s not found for job %s", runID, jobID)
	}
	return runs[0], nil
}

// GetRunByID returns a run by ID alone.
func (s *RunStore) GetRunByID(ctx context.Context, runID string) (*Run, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errors.NewNotFoundError("run %s not found", runID)
	}
	return runs[0], nil
}

// ListRunsOptions pages and filters ListRuns.
type ListRunsOptions struct {
	Limit  int // default 50, max 100
	Offset int
	Status string
}

// ListRuns returns a job's runs newest first, plus the total matching count.
func (s *RunStore) ListRuns(ctx context.Context, jobID string, opts ListRunsOptions) ([]*Run, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where := `WHERE job_id = ?`
	args := []interface{}{jobID}
	if opts.Status != "" {
		where += ` AND status = ?`
		args = append(args, opts.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrapf(err, "failed to count runs for job %s", jobID)
	}

	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM job_runs `+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// FailOrphaned marks runs left running by a dead executor as failed. A run is
// orphaned when it started before olderThan. Returns the recovered count.
func (s *RunStore) FailOrphaned(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'failed', finished_at = ?,
		    message = 'interrupted: executor stopped while the run was in progress'
		WHERE status = 'running' AND started_at < ?`,
		db.FormatTime(now), db.FormatTime(olderThan),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}

// RunStats counts outstanding runs.
type RunStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// Stats returns queue depth.
func (s *RunStore) Stats(ctx context.Context) (RunStats, error) {
	var stats RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0)
		FROM job_runs WHERE status IN ('pending', 'running')`,
	).Scan(&stats.Pending, &stats.Running)
	if err != nil {
		return stats, errors.Wrap(err, "failed to read run stats")
	}
	return stats, nil
}

func (s *RunStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var run Run
	var createdAt string
	var startedAt, finishedAt, logLocation sql.NullString
	var exitCode sql.NullInt64
	var cancelRequested int

	err := row.Scan(&run.Seq, &run.ID, &run.JobID, &run.Status, &createdAt, &startedAt, &finishedAt,
		&run.Message, &logLocation, &exitCode, &cancelRequested)
	if err != nil {
		return nil, err
	}

	if run.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = db.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = db.ParseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if logLocation.Valid {
		run.LogLocation = &logLocation.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.CancelRequested = cancelRequested != 0
	return &run, nil
}
