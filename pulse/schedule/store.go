package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/calsync/db"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/synctool"
)

// ErrSchedulingConflict marks an enqueue that lost a race with another
// scheduler. The job is retried on the next tick.
var ErrSchedulingConflict = errors.New("scheduling conflict")

// DefaultDueBatchLimit bounds how many due jobs a single tick handles.
const DefaultDueBatchLimit = 100

// Store handles persistence of sync job definitions
type Store struct {
	db       *sql.DB
	registry *synctool.Registry
}

// NewStore creates a new job store. Job configs are validated against
// registry (nil = synctool.DefaultRegistry()).
func NewStore(conn *sql.DB, registry *synctool.Registry) *Store {
	if registry == nil {
		registry = synctool.DefaultRegistry()
	}
	return &Store{db: conn, registry: registry}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `id, owner,
	source_account_id, source_resource, source_timezone,
	dest_account_id, dest_resource, dest_timezone,
	cadence, status, config, last_run_at, next_run_at, created_at, updated_at`

// Create validates and inserts a job. ID, Status (default active) and the
// timestamps are filled in; NextRunAt may be left nil to run on the next tick.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusActive
	}
	if len(job.Config) == 0 {
		job.Config = json.RawMessage(`{}`)
	}
	if job.Source.Timezone == "" {
		job.Source.Timezone = "UTC"
	}
	if job.Destination.Timezone == "" {
		job.Destination.Timezone = "UTC"
	}
	if err := s.validate(job); err != nil {
		return err
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner,
		job.Source.AccountID, job.Source.ResourceID, job.Source.Timezone,
		job.Destination.AccountID, job.Destination.ResourceID, job.Destination.Timezone,
		string(job.Cadence), job.Status, string(job.Config),
		db.NullTime(job.LastRunAt), db.NullTime(job.NextRunAt),
		db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return errors.NewInvalidRequestError("source or destination account does not exist")
		}
		return errors.Wrap(err, "failed to create sync job")
	}
	return nil
}

func (s *Store) validate(job *Job) error {
	if job.Owner == "" {
		return errors.NewInvalidRequestError("job owner is required")
	}
	if err := validateEndpoint("source", job.Source); err != nil {
		return err
	}
	if err := validateEndpoint("destination", job.Destination); err != nil {
		return err
	}
	if !job.Cadence.Valid() {
		_, err := ParseCadence(string(job.Cadence))
		return err
	}
	if job.Status != StatusActive && job.Status != StatusPaused {
		return errors.NewInvalidRequestError("unknown job status %q", job.Status)
	}
	return s.registry.ValidateConfig(job.Config)
}

func validateEndpoint(side string, ep Endpoint) error {
	if ep.AccountID == "" || ep.ResourceID == "" {
		return errors.NewInvalidRequestError("%s account and resource are required", side)
	}
	if _, err := time.LoadLocation(ep.Timezone); err != nil {
		return errors.NewInvalidRequestError("%s timezone %q is not valid", side, ep.Timezone)
	}
	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("sync job %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get sync job %s", id)
	}
	return job, nil
}

// ListOptions filters List. Empty fields match everything.
type ListOptions struct {
	Owner  string
	Status string
}

// List returns jobs ordered by creation time.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE 1=1`
	var args []interface{}
	if opts.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, opts.Owner)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	return s.queryJobs(ctx, query, args...)
}

// ListDue returns active jobs whose next_run_at is unset or at or before now,
// oldest due first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultDueBatchLimit
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE status = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?`,
		StatusActive, db.FormatTime(now), limit,
	)
}

// NextScheduled returns the active job due soonest, or nil when there is none.
func (s *Store) NextScheduled(ctx context.Context) (*Job, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE status = ?
		ORDER BY next_run_at ASC, id ASC
		LIMIT 1`, StatusActive)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sync jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan sync job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus pauses or resumes a job.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusPaused {
		return errors.NewInvalidRequestError("unknown job status %q", status)
	}
	return s.update(ctx, id, `status = ?`, status)
}

// UpdateCadence changes the interval used for future next_run_at computations.
// The already scheduled next_run_at is kept so it never moves backwards.
func (s *Store) UpdateCadence(ctx context.Context, id string, cadence Cadence) error {
	if !cadence.Valid() {
		_, err := ParseCadence(string(cadence))
		return err
	}
	return s.update(ctx, id, `cadence = ?`, string(cadence))
}

// UpdateConfig replaces the job's option blob after validating it.
func (s *Store) UpdateConfig(ctx context.Context, id string, config json.RawMessage) error {
	if err := s.registry.ValidateConfig(config); err != nil {
		return err
	}
	return s.update(ctx, id, `config = ?`, string(config))
}

func (s *Store) update(ctx context.Context, id, set string, value interface{}) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET `+set+`, updated_at = ? WHERE id = ?`,
		value, db.FormatTime(time.Now()), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update sync job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("sync job %s not found", id)
	}
	return nil
}

// Delete removes a job and, by cascade, its runs.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete sync job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("sync job %s not found", id)
	}
	return nil
}

// EnqueueResult describes the outcome of one EnqueueDue call.
type EnqueueResult struct {
	Enqueued  bool
	RunID     string
	NextRunAt *time.Time
	Reason    string // why nothing was enqueued
}

// Reasons a due job produced no run.
const (
	ReasonNotActive   = "job not active"
	ReasonNotDue      = "job not due"
	ReasonOutstanding = "previous run outstanding"
)

// EnqueueDue atomically re-checks that the job is active and due, inserts a
// pending run unless one is already outstanding, and advances next_run_at.
//
// The transaction is serializable: BEGIN takes SQLite's write lock before the
// re-read, so two schedulers cannot both observe the job as due.
func (s *Store) EnqueueDue(ctx context.Context, jobID string, now time.Time) (*EnqueueResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, conflictOr(err, "failed to begin enqueue for job %s", jobID)
	}
	defer tx.Rollback()

	var status, cadence string
	var nextRunAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, cadence, next_run_at FROM sync_jobs WHERE id = ?`, jobID,
	).Scan(&status, &cadence, &nextRunAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("sync job %s not found", jobID)
		}
		return nil, conflictOr(err, "failed to read job %s", jobID)
	}

	if status != StatusActive {
		return &EnqueueResult{Reason: ReasonNotActive}, nil
	}

	prev, err := db.ParseNullTime(nextRunAt)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", jobID)
	}
	if prev != nil && prev.After(now) {
		return &EnqueueResult{NextRunAt: prev, Reason: ReasonNotDue}, nil
	}

	c := Cadence(cadence)
	if !c.Valid() {
		return nil, errors.Newf("job %s has invalid cadence %q", jobID, cadence)
	}
	next := NextRunAfter(prev, now, c)
	result := &EnqueueResult{NextRunAt: &next}

	var outstanding string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM job_runs
		WHERE job_id = ? AND status IN ('pending', 'running')
		LIMIT 1`, jobID,
	).Scan(&outstanding)
	switch {
	case err == nil:
		result.Reason = ReasonOutstanding
	case errors.Is(err, sql.ErrNoRows):
		result.RunID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_runs (id, job_id, status, created_at) VALUES (?, ?, ?, ?)`,
			result.RunID, jobID, RunStatusPending, db.FormatTime(now),
		)
		if err != nil {
			return nil, conflictOr(err, "failed to insert run for job %s", jobID)
		}
		result.Enqueued = true
	default:
		return nil, conflictOr(err, "failed to check outstanding runs for job %s", jobID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_jobs SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		db.FormatTime(next), db.FormatTime(now), jobID,
	)
	if err != nil {
		return nil, conflictOr(err, "failed to advance job %s", jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, conflictOr(err, "failed to commit enqueue for job %s", jobID)
	}
	return result, nil
}

// conflictOr wraps err, marking lock and uniqueness failures as scheduling conflicts.
func conflictOr(err error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(err, format, args...)
	if db.IsConflict(err) {
		return errors.Mark(errors.Mark(wrapped, ErrSchedulingConflict), errors.ErrConflict)
	}
	return wrapped
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var job Job
	var cadence, config, createdAt, updatedAt string
	var lastRunAt, nextRunAt sql.NullString

	err := row.Scan(
		&job.ID, &job.Owner,
		&job.Source.AccountID, &job.Source.ResourceID, &job.Source.Timezone,
		&job.Destination.AccountID, &job.Destination.ResourceID, &job.Destination.Timezone,
		&cadence, &job.Status, &config, &lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Cadence = Cadence(cadence)
	job.Config = json.RawMessage(config)
	if job.LastRunAt, err = db.ParseNullTime(lastRunAt); err != nil {
		return nil, err
	}
	if job.NextRunAt, err = db.ParseNullTime(nextRunAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
