// Package pulse supervises the scheduler ticker and the run executor pool.
//
// At most one Daemon is active per process. The active daemon is discoverable
// through Active so health checks can report on it without holding a reference.
package pulse

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/calsync/am"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/async"
	"github.com/teranos/calsync/pulse/metrics"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/runlog"
	"github.com/teranos/calsync/secrets"
	"github.com/teranos/calsync/synctool"
)

// ErrAlreadyRunning is returned when a second daemon is started in the same process.
var ErrAlreadyRunning = errors.New("pulse daemon already running in this process")

var (
	activeMu sync.Mutex
	active   *Daemon
)

// Active returns the running daemon, or nil.
func Active() *Daemon {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

// Running reports whether a daemon is running in this process.
func Running() bool {
	return Active() != nil
}

// Daemon owns one scheduler ticker and one executor pool. Either may be
// absent: a zero ticker interval runs executors only, zero workers runs the
// scheduler only.
type Daemon struct {
	ticker  *schedule.Ticker
	pool    *async.WorkerPool
	runs    *schedule.RunStore
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	startedAt *time.Time
}

// Status is the daemon's externally observable state.
type Status struct {
	Running   bool                  `json:"running"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	Ticker    *schedule.TickerStats `json:"ticker,omitempty"`
	Pool      *async.SystemMetrics  `json:"pool,omitempty"`
	Runs      schedule.RunStats     `json:"runs"`
}

// New wires a daemon from configuration. The executor's collaborators
// (at-rest cipher, encryptor, sync tool runner, run log store) are only
// required when workers are enabled.
func New(conn *sql.DB, cfg *am.Config, log *zap.SugaredLogger) (*Daemon, error) {
	if log == nil {
		log = logger.Logger
	}
	log = log.Named("pulse")

	m := metrics.New()
	jobs := schedule.NewStore(conn, nil)
	runs := schedule.NewRunStore(conn)

	d := &Daemon{runs: runs, metrics: m, logger: log}

	if cfg.Pulse.TickerIntervalSeconds > 0 {
		d.ticker = schedule.NewTicker(jobs, schedule.TickerConfig{
			Interval:   cfg.Pulse.TickerInterval(),
			BatchLimit: schedule.DefaultDueBatchLimit,
			Observer:   m,
		}, log)
	}

	if cfg.Pulse.Workers > 0 {
		deps, err := executorDependencies(conn, cfg, log)
		if err != nil {
			return nil, err
		}
		deps.Jobs = jobs
		deps.Runs = runs
		deps.Observer = m

		d.pool = async.NewWorkerPool(deps, async.WorkerPoolConfig{
			Workers:            cfg.Pulse.Workers,
			PollInterval:       cfg.Pulse.PollInterval(),
			CancelPollInterval: cfg.Pulse.CancelPollInterval(),
			OrphanAfter:        cfg.Pulse.OrphanAfter(),
			MaxSpawnsPerMinute: cfg.Pulse.MaxSpawnsPerMinute,
			KeepScratch:        cfg.Sync.KeepScratch,
		}, log)
	}

	return d, nil
}

func executorDependencies(conn *sql.DB, cfg *am.Config, log *zap.SugaredLogger) (async.Dependencies, error) {
	cipher, err := secrets.NewCipherFromBase64(cfg.Secrets.AtRestKey)
	if err != nil {
		return async.Dependencies{}, err
	}
	encryptor, err := secrets.NewEncryptor(cfg.Secrets.EncryptorCommand, log)
	if err != nil {
		return async.Dependencies{}, err
	}
	runner, err := synctool.NewRunner(synctool.RunnerConfig{
		Command:         cfg.Sync.Command,
		ScratchRoot:     cfg.Sync.ScratchRoot,
		KillGrace:       cfg.Sync.KillGrace(),
		StderrTailLines: cfg.Sync.StderrTailLines,
	}, log)
	if err != nil {
		return async.Dependencies{}, err
	}
	logs, err := runlog.NewStore(cfg.Logs.Root, log)
	if err != nil {
		return async.Dependencies{}, err
	}

	accounts := secrets.NewAccountStore(conn, cipher)
	return async.Dependencies{
		Bundles: secrets.NewBundler(accounts, encryptor, cfg.Secrets.BundlePassphrase, log),
		Runner:  runner,
		Logs:    logs,
	}, nil
}

// Start makes d the process's active daemon and starts its components.
// Starting the already active daemon is a no-op.
func (d *Daemon) Start() error {
	activeMu.Lock()
	defer activeMu.Unlock()

	if active == d {
		return nil
	}
	if active != nil {
		return ErrAlreadyRunning
	}

	// Executors first so orphans are recovered before new runs are enqueued
	if d.pool != nil {
		d.pool.Start()
	}
	if d.ticker != nil {
		d.ticker.Start()
	}

	now := time.Now().UTC()
	d.mu.Lock()
	d.startedAt = &now
	d.mu.Unlock()
	active = d

	d.logger.Infow("Pulse daemon started",
		"ticker", d.ticker != nil,
		"workers", d.Workers(),
	)
	return nil
}

// Stop stops the ticker, then drains the pool. In-flight runs are cancelled
// and recorded as such.
func (d *Daemon) Stop() {
	activeMu.Lock()
	defer activeMu.Unlock()

	if active != d {
		return
	}

	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.pool != nil {
		d.pool.Stop()
	}

	d.mu.Lock()
	d.startedAt = nil
	d.mu.Unlock()
	active = nil

	d.logger.Infow("Pulse daemon stopped")
}

// Running reports whether d is the active daemon.
func (d *Daemon) Running() bool {
	return Active() == d
}

// Workers returns the configured executor count, 0 when the pool is disabled.
func (d *Daemon) Workers() int {
	if d.pool == nil {
		return 0
	}
	return d.pool.Workers()
}

// ApplyConfig applies the settings that can change without a restart.
// Currently that is the executor spawn rate limit; everything else is
// picked up on the next start.
func (d *Daemon) ApplyConfig(cfg *am.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if d.pool != nil {
		d.pool.SetMaxSpawnsPerMinute(cfg.Pulse.MaxSpawnsPerMinute)
	}
	return nil
}

// Metrics returns the Prometheus metrics the daemon's components report to.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// CancelRun cancels an in-process run immediately. Returns false when the run
// is not executing in this daemon; callers then fall back to RunStore.RequestCancel.
func (d *Daemon) CancelRun(runID string) bool {
	if d.pool == nil {
		return false
	}
	return d.pool.Cancel(runID)
}

// Status reports the daemon's state.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()

	st := Status{
		Running:   d.Running(),
		StartedAt: startedAt,
	}
	if d.ticker != nil {
		stats := d.ticker.Stats()
		st.Ticker = &stats
	}
	if d.pool != nil {
		pm := d.pool.GetSystemMetrics(ctx)
		st.Pool = &pm
		st.Runs = schedule.RunStats{Pending: pm.RunsPending, Running: pm.RunsRunning}
		return st
	}

	runs, err := d.runs.Stats(ctx)
	if err != nil {
		d.logger.Warnw("Failed to read run stats", logger.FieldError, err)
	}
	st.Runs = runs
	return st
}
