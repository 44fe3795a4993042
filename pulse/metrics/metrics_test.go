package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/calsync/pulse/async"
	"github.com/teranos/calsync/pulse/schedule"
)

func TestMetrics_Tick(t *testing.T) {
	m := New()

	m.ObserveTick(schedule.TickResult{Due: 4, Enqueued: 2, Skipped: 1, Failed: 1}, 30*time.Millisecond)
	m.ObserveTick(schedule.TickResult{}, time.Millisecond)
	m.ObserveOverlap()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotsSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueueErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tickOverlaps))
}

func TestMetrics_Runs(t *testing.T) {
	m := New()

	m.ObserveRunStarted()
	m.ObserveRunStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsInFlight))

	m.ObserveRunFinished(schedule.RunStatusSuccess, "", 2*time.Second)
	m.ObserveRunFinished(schedule.RunStatusFailed, async.ErrorCodeConfiguration, time.Second)
	m.ObserveClaimLost()

	assert.Zero(t, testutil.ToFloat64(m.runsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsFinished.WithLabelValues("failed", "configuration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.claimsLost))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveTick(schedule.TickResult{Enqueued: 3}, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "calsync_scheduler_runs_enqueued_total 3")
	assert.Contains(t, body, "go_goroutines")
}
