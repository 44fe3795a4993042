package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/calsync/db"
	"github.com/teranos/calsync/errors"
	calsynctest "github.com/teranos/calsync/internal/testing"
	"github.com/teranos/calsync/internal/util"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// createTestJob inserts accounts and an active job. mutate may adjust the job
// before it is stored.
func createTestJob(t *testing.T, conn *sql.DB, store *Store, mutate func(*Job)) *Job {
	t.Helper()

	src := calsynctest.InsertAccount(t, conn, "acct-"+uuid.NewString(), "alice")
	dst := calsynctest.InsertAccount(t, conn, "acct-"+uuid.NewString(), "alice")
	job := &Job{
		Owner:       "alice",
		Source:      Endpoint{AccountID: src, ResourceID: "work@example.com", Timezone: "Europe/Amsterdam"},
		Destination: Endpoint{AccountID: dst, ResourceID: "personal"},
		Cadence:     CadenceHourly,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func countRuns(t *testing.T, conn *sql.DB, jobID, status string) int {
	t.Helper()
	var n int
	err := conn.QueryRow(`SELECT COUNT(*) FROM job_runs WHERE job_id = ? AND status = ?`, jobID, status).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestStore_CreateAndGet(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()

	job := createTestJob(t, conn, store, func(j *Job) {
		j.Config = json.RawMessage(`{"options":{"title_prefix":{"enabled":true,"fields":{"prefix":"[work] "}}}}`)
	})

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusActive, job.Status)
	assert.Equal(t, "UTC", job.Destination.Timezone)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Owner, got.Owner)
	assert.Equal(t, job.Source, got.Source)
	assert.Equal(t, job.Destination, got.Destination)
	assert.Equal(t, CadenceHourly, got.Cadence)
	assert.JSONEq(t, string(job.Config), string(got.Config))
	assert.Nil(t, got.NextRunAt)
	assert.Nil(t, got.LastRunAt)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestStore_CreateValidation(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing owner", func(j *Job) { j.Owner = "" }},
		{"missing source resource", func(j *Job) { j.Source.ResourceID = "" }},
		{"missing destination account", func(j *Job) { j.Destination.AccountID = "" }},
		{"bad timezone", func(j *Job) { j.Source.Timezone = "Mars/Olympus" }},
		{"bad cadence", func(j *Job) { j.Cadence = "weekly" }},
		{"bad status", func(j *Job) { j.Status = "deleted" }},
		{"unknown option", func(j *Job) { j.Config = json.RawMessage(`{"options":{"teleport":{"enabled":true}}}`) }},
		{"invalid option fields", func(j *Job) {
			j.Config = json.RawMessage(`{"options":{"date_window":{"enabled":true,"fields":{"past_days":-1}}}}`)
		}},
		{"config not json", func(j *Job) { j.Config = json.RawMessage(`{`) }},
		{"unknown account", func(j *Job) { j.Source.AccountID = "nobody" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{
				Owner:       "alice",
				Source:      Endpoint{AccountID: calsynctest.InsertAccount(t, conn, uuid.NewString(), "alice"), ResourceID: "a"},
				Destination: Endpoint{AccountID: calsynctest.InsertAccount(t, conn, uuid.NewString(), "alice"), ResourceID: "b"},
				Cadence:     CadenceDaily,
			}
			tt.mutate(job)

			err := store.Create(context.Background(), job)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}
}

func TestStore_CreateValidationReportsSourceFirst(t *testing.T) {
	store := NewStore(createTestDB(t), nil)

	for i := 0; i < 20; i++ {
		err := store.Create(context.Background(), &Job{
			Owner:   "alice",
			Cadence: CadenceDaily,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source account and resource are required")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := NewStore(createTestDB(t), nil)
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_ListFilters(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()

	a := createTestJob(t, conn, store, nil)
	b := createTestJob(t, conn, store, func(j *Job) { j.Owner = "bob"; j.Status = StatusPaused })

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bobs, err := store.List(ctx, ListOptions{Owner: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, b.ID, bobs[0].ID)

	active, err := store.List(ctx, ListOptions{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}

func TestStore_Updates(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()
	job := createTestJob(t, conn, store, nil)

	require.NoError(t, store.UpdateStatus(ctx, job.ID, StatusPaused))
	require.NoError(t, store.UpdateCadence(ctx, job.ID, CadenceDaily))
	require.NoError(t, store.UpdateConfig(ctx, job.ID, json.RawMessage(`{"options":{"busy_only":{"enabled":true}}}`)))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, CadenceDaily, got.Cadence)
	assert.Contains(t, string(got.Config), "busy_only")

	assert.True(t, errors.IsInvalidRequestError(store.UpdateStatus(ctx, job.ID, "gone")))
	assert.True(t, errors.IsInvalidRequestError(store.UpdateCadence(ctx, job.ID, "yearly")))
	assert.True(t, errors.IsInvalidRequestError(store.UpdateConfig(ctx, job.ID, json.RawMessage(`{"options":{"nope":{}}}`))))
	assert.True(t, errors.IsNotFoundError(store.UpdateStatus(ctx, "missing", StatusActive)))
}

func TestStore_DeleteCascadesRuns(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()
	job := createTestJob(t, conn, store, nil)

	res, err := store.EnqueueDue(ctx, job.ID, testNow)
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	require.NoError(t, store.Delete(ctx, job.ID))
	assert.Equal(t, 0, countRuns(t, conn, job.ID, RunStatusPending))
	assert.True(t, errors.IsNotFoundError(store.Delete(ctx, job.ID)))
}

func TestStore_ListDue(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()

	unscheduled := createTestJob(t, conn, store, nil)
	overdue := createTestJob(t, conn, store, func(j *Job) { j.NextRunAt = util.Ptr(testNow.Add(-time.Hour)) })
	exact := createTestJob(t, conn, store, func(j *Job) { j.NextRunAt = util.Ptr(testNow) })
	createTestJob(t, conn, store, func(j *Job) { j.NextRunAt = util.Ptr(testNow.Add(time.Second)) })
	createTestJob(t, conn, store, func(j *Job) { j.Status = StatusPaused })

	due, err := store.ListDue(ctx, testNow, 0)
	require.NoError(t, err)

	var ids []string
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	// NULL sorts first, then oldest due.
	assert.Equal(t, []string{unscheduled.ID, overdue.ID, exact.ID}, ids)

	limited, err := store.ListDue(ctx, testNow, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_NextScheduled(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()

	next, err := store.NextScheduled(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	createTestJob(t, conn, store, func(j *Job) { j.NextRunAt = util.Ptr(testNow.Add(2 * time.Hour)) })
	soon := createTestJob(t, conn, store, func(j *Job) { j.NextRunAt = util.Ptr(testNow.Add(time.Hour)) })

	next, err = store.NextScheduled(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, soon.ID, next.ID)
}

// HOURLY job with no next_run_at, evaluated at T: one pending run, next = T+1h.
func TestEnqueueDue_HourlyFirstRun(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()
	job := createTestJob(t, conn, store, nil)

	res, err := store.EnqueueDue(ctx, job.ID, testNow)
	require.NoError(t, err)
	assert.True(t, res.Enqueued)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.NextRunAt)
	assert.Equal(t, testNow.Add(time.Hour), *res.NextRunAt)

	assert.Equal(t, 1, countRuns(t, conn, job.ID, RunStatusPending))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, testNow.Add(time.Hour), *got.NextRunAt)
}

// DAILY job three days overdue: exactly one run, next is the first future slot.
func TestEnqueueDue_DailyOverdueCatchUp(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()

	prev := testNow.Add(-72*time.Hour - 3*time.Hour)
	job := createTestJob(t, conn, store, func(j *Job) {
		j.Cadence = CadenceDaily
		j.NextRunAt = util.Ptr(prev)
	})

	res, err := store.EnqueueDue(ctx, job.ID, testNow)
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	assert.Equal(t, prev.Add(4*24*time.Hour), *res.NextRunAt)
	assert.True(t, res.NextRunAt.After(testNow))
	assert.Equal(t, 1, countRuns(t, conn, job.ID, RunStatusPending))

	// Same instant again: no longer due.
	res, err = store.EnqueueDue(ctx, job.ID, testNow)
	require.NoError(t, err)
	assert.False(t, res.Enqueued)
	assert.Equal(t, ReasonNotDue, res.Reason)
	assert.Equal(t, 1, countRuns(t, conn, job.ID, RunStatusPending))
}

func TestEnqueueDue_OutstandingRunSkipsSlot(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	ctx := context.Background()
	job := createTestJob(t, conn, store, func(j *Job) { j.Cadence = CadenceEvery15Minutes })

	first, err := store.EnqueueDue(ctx, job.ID, testNow)
	require.NoError(t, err)
	require.True(t, first.Enqueued)

	later := testNow.Add(16 * time.Minute)
	res, err := store.EnqueueDue(ctx, job.ID, later)
	require.NoError(t, err)
	assert.False(t, res.Enqueued)
	assert.Equal(t, ReasonOutstanding, res.Reason)
	require.NotNil(t, res.NextRunAt)
	assert.True(t, res.NextRunAt.After(*first.NextRunAt), "next_run_at must still advance")
	assert.Equal(t, 1, countRuns(t, conn, job.ID, RunStatusPending))
}

func TestEnqueueDue_PausedJob(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	job := createTestJob(t, conn, store, func(j *Job) { j.Status = StatusPaused })

	res, err := store.EnqueueDue(context.Background(), job.ID, testNow)
	require.NoError(t, err)
	assert.False(t, res.Enqueued)
	assert.Equal(t, ReasonNotActive, res.Reason)
	assert.Equal(t, 0, countRuns(t, conn, job.ID, RunStatusPending))
}

func TestEnqueueDue_MissingJob(t *testing.T) {
	store := NewStore(createTestDB(t), nil)
	_, err := store.EnqueueDue(context.Background(), "missing", testNow)
	assert.True(t, errors.IsNotFoundError(err))
}

// Many goroutines racing on the same due job produce exactly one run and
// leave next_run_at at the same computed slot.
func TestEnqueueDue_Concurrent(t *testing.T) {
	conn := createTestDB(t)
	store := NewStore(conn, nil)
	job := createTestJob(t, conn, store, nil)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan *EnqueueResult, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.EnqueueDue(context.Background(), job.ID, testNow)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	enqueued := 0
	for res := range results {
		if res.Enqueued {
			enqueued++
		}
	}
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 1, countRuns(t, conn, job.ID, RunStatusPending))
}

// A unique-index violation on insert (another scheduler won) surfaces as a
// scheduling conflict, and the transaction is rolled back.
func TestEnqueueDue_UniqueConflictFromDriver(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	store := NewStore(mockDB, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, cadence, next_run_at FROM sync_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "cadence", "next_run_at"}).
			AddRow(StatusActive, string(CadenceHourly), nil))
	mock.ExpectQuery("SELECT id FROM job_runs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO job_runs").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectRollback()

	_, err = store.EnqueueDue(context.Background(), "job-1", testNow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchedulingConflict))
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDue_BusyDatabaseIsConflict(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin().WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})

	_, err = NewStore(mockDB, nil).EnqueueDue(context.Background(), "job-1", testNow)
	assert.True(t, errors.Is(err, ErrSchedulingConflict))
	assert.True(t, db.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
