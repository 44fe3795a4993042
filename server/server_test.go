package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	calsynctest "github.com/teranos/calsync/internal/testing"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/runlog"
)

type fixture struct {
	conn   *sql.DB
	jobs   *schedule.Store
	runs   *schedule.RunStore
	logs   *runlog.Store
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := calsynctest.CreateTestDB(t)
	logs, err := runlog.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	srv, err := New(conn, Options{Logs: logs})
	require.NoError(t, err)

	return &fixture{
		conn:   conn,
		jobs:   schedule.NewStore(conn, nil),
		runs:   schedule.NewRunStore(conn),
		logs:   logs,
		server: srv,
	}
}

func (f *fixture) createJob(t *testing.T) *schedule.Job {
	t.Helper()
	src := calsynctest.InsertAccount(t, f.conn, "acct-"+uuid.NewString(), "alice")
	dst := calsynctest.InsertAccount(t, f.conn, "acct-"+uuid.NewString(), "alice")
	job := &schedule.Job{
		Owner:       "alice",
		Source:      schedule.Endpoint{AccountID: src, ResourceID: "work"},
		Destination: schedule.Endpoint{AccountID: dst, ResourceID: "personal"},
		Cadence:     schedule.CadenceEvery15Minutes,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

// completeRun enqueues, claims and finishes one run. When log is non-empty it
// is written to the run log store first.
func (f *fixture) completeRun(t *testing.T, job *schedule.Job, now time.Time, status, log string) *schedule.Run {
	t.Helper()
	ctx := context.Background()

	res, err := f.jobs.EnqueueDue(ctx, job.ID, now)
	require.NoError(t, err)
	require.True(t, res.Enqueued)

	ok, err := f.runs.Claim(ctx, res.RunID, now)
	require.NoError(t, err)
	require.True(t, ok)

	in := schedule.FinishInput{Status: status, Message: "done"}
	if log != "" {
		loc, err := f.logs.Write(job.ID, res.RunID, log)
		require.NoError(t, err)
		in.LogLocation = util.Ptr(loc)
	}
	ok, err = f.runs.Finish(ctx, res.RunID, in, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	run, err := f.runs.GetRun(ctx, job.ID, res.RunID)
	require.NoError(t, err)
	return run
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleJobRuns(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	first := f.completeRun(t, job, base, schedule.RunStatusFailed, "")
	second := f.completeRun(t, job, base.Add(time.Hour), schedule.RunStatusSuccess, "")
	third := f.completeRun(t, job, base.Add(2*time.Hour), schedule.RunStatusSuccess, "")

	t.Run("newest first", func(t *testing.T) {
		rec := f.get(t, "/api/jobs/"+job.ID+"/runs")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Total)
		assert.Equal(t, 3, resp.Count)
		assert.False(t, resp.HasMore)
		require.Len(t, resp.Runs, 3)
		assert.Equal(t, third.ID, resp.Runs[0].ID)
		assert.Equal(t, second.ID, resp.Runs[1].ID)
		assert.Equal(t, first.ID, resp.Runs[2].ID)
	})

	t.Run("paging", func(t *testing.T) {
		rec := f.get(t, "/api/jobs/"+job.ID+"/runs?limit=1&offset=1")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Total)
		assert.True(t, resp.HasMore)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, second.ID, resp.Runs[0].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		rec := f.get(t, "/api/jobs/"+job.ID+"/runs?status=failed")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, first.ID, resp.Runs[0].ID)
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := f.get(t, "/api/jobs/"+job.ID+"/runs?status=exploded")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := f.get(t, "/api/jobs/nope/runs")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/runs", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHandleJobRun(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)
	other := f.createJob(t)
	run := f.completeRun(t, job, time.Now(), schedule.RunStatusSuccess, "")

	rec := f.get(t, "/api/jobs/"+job.ID+"/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got schedule.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, schedule.RunStatusSuccess, got.Status)
	assert.Equal(t, "done", got.Message)

	// Runs are scoped to their job
	rec = f.get(t, "/api/jobs/"+other.ID+"/runs/"+run.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunLog(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)

	logged := f.completeRun(t, job, time.Now(), schedule.RunStatusFailed, "=== stderr ===\nauth expired\n")
	unlogged := f.completeRun(t, job, time.Now().Add(time.Hour), schedule.RunStatusSuccess, "")

	rec := f.get(t, "/api/jobs/"+job.ID+"/runs/"+logged.ID+"/log")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "=== stderr ===\nauth expired\n", rec.Body.String())

	rec = f.get(t, "/api/jobs/"+job.ID+"/runs/"+unlogged.ID+"/log")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/api/jobs/"+job.ID+"/runs/missing/log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_NoDaemon(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t)
	_, err := f.jobs.EnqueueDue(context.Background(), job.ID, time.Now())
	require.NoError(t, err)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Daemon.Running)
	assert.Nil(t, resp.Daemon.Ticker)
	assert.Equal(t, 1, resp.Daemon.Runs.Pending)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calsync_scheduler_ticks_total")
}

func TestParseIntQueryParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 1},
		{"limit=500", 100},
		{"limit=abc", 50},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			assert.Equal(t, tt.want, parseIntQueryParam(r, "limit", 50, 1, 100))
		})
	}
}
