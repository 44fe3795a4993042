// Package metrics exposes scheduler and executor activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/calsync/pulse/async"
	"github.com/teranos/calsync/pulse/schedule"
)

const namespace = "calsync"

// Metrics implements schedule.TickObserver and async.RunObserver.
type Metrics struct {
	registry *prometheus.Registry

	ticks         prometheus.Counter
	tickOverlaps  prometheus.Counter
	tickDuration  prometheus.Histogram
	runsEnqueued  prometheus.Counter
	slotsSkipped  prometheus.Counter
	enqueueErrors prometheus.Counter
	claimsLost    prometheus.Counter
	runsInFlight  prometheus.Gauge
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

var (
	_ schedule.TickObserver = (*Metrics)(nil)
	_ async.RunObserver     = (*Metrics)(nil)
)

// New creates metrics on a fresh registry, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler ticks completed.",
		}),
		tickOverlaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_overlaps_total",
			Help: "Ticks discarded because the previous tick was still running.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Time spent per scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		runsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "runs_enqueued_total",
			Help: "Pending runs created for due jobs.",
		}),
		slotsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "slots_skipped_total",
			Help: "Due jobs that produced no run, e.g. because a previous run was outstanding.",
		}),
		enqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "enqueue_errors_total",
			Help: "Due jobs whose enqueue failed and will be retried next tick.",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "claims_lost_total",
			Help: "Claims lost to another executor.",
		}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "executor", Name: "runs_in_flight",
			Help: "Runs currently executing in this process.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "runs_finished_total",
			Help: "Runs finished, by terminal status and error code.",
		}, []string{"status", "error_code"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "run_duration_seconds",
			Help:    "Wall time of executed runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickOverlaps, m.tickDuration,
		m.runsEnqueued, m.slotsSkipped, m.enqueueErrors,
		m.claimsLost, m.runsInFlight, m.runsFinished, m.runDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTick(result schedule.TickResult, duration time.Duration) {
	m.ticks.Inc()
	m.tickDuration.Observe(duration.Seconds())
	m.runsEnqueued.Add(float64(result.Enqueued))
	m.slotsSkipped.Add(float64(result.Skipped))
	m.enqueueErrors.Add(float64(result.Failed))
}

func (m *Metrics) ObserveOverlap() {
	m.tickOverlaps.Inc()
}

func (m *Metrics) ObserveClaimLost() {
	m.claimsLost.Inc()
}

func (m *Metrics) ObserveRunStarted() {
	m.runsInFlight.Inc()
}

func (m *Metrics) ObserveRunFinished(status string, code async.ErrorCode, duration time.Duration) {
	m.runsInFlight.Dec()
	m.runsFinished.WithLabelValues(status, string(code)).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}
