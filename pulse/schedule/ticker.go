package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/logger"
)

// ErrTickInProgress is returned by Tick when the previous tick has not finished.
var ErrTickInProgress = errors.New("previous tick still in progress")

// TickResult summarizes one tick.
type TickResult struct {
	Due      int `json:"due"`      // jobs selected as due
	Enqueued int `json:"enqueued"` // pending runs created
	Skipped  int `json:"skipped"`  // due jobs whose slot was skipped or that were no longer due
	Failed   int `json:"failed"`   // jobs whose enqueue errored; retried next tick
}

// TickObserver receives tick outcomes, e.g. for metrics.
type TickObserver interface {
	ObserveTick(result TickResult, duration time.Duration)
	ObserveOverlap()
}

// TickerConfig contains configuration for the scheduler ticker
type TickerConfig struct {
	Interval   time.Duration // How often to look for due jobs (default: 60 seconds)
	BatchLimit int           // Due jobs handled per tick (default: 100)
	Observer   TickObserver  // Optional
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:   60 * time.Second,
		BatchLimit: DefaultDueBatchLimit,
	}
}

// TickerStats is a snapshot of ticker activity.
type TickerStats struct {
	Running         bool       `json:"running"`
	Interval        string     `json:"interval"`
	LastTickAt      time.Time  `json:"last_tick_at"`
	TicksSinceStart int64      `json:"ticks_since_start"`
	SkippedOverlaps int64      `json:"skipped_overlaps"`
	LastResult      TickResult `json:"last_result"`
}

// Ticker periodically enqueues one pending run per due job.
// Several tickers (in one or more processes) may run against the same
// database; EnqueueDue keeps them from double-enqueueing.
type Ticker struct {
	store    *Store
	cfg      TickerConfig
	logger   *zap.SugaredLogger
	inFlight atomic.Bool
	running  atomic.Bool
	skipped  atomic.Int64

	lifecycleMu sync.Mutex
	parentCtx   context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastResult      TickResult
}

// NewTicker creates a new scheduler ticker
func NewTicker(store *Store, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	defaults := DefaultTickerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaults.BatchLimit
	}
	if log == nil {
		log = logger.Logger
	}

	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		store:     store,
		cfg:       cfg,
		logger:    log.Named("ticker"),
		parentCtx: ctx,
		ctx:       tickerCtx,
		cancel:    cancel,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.running.CompareAndSwap(false, true) {
		return
	}
	// Recreate the context after a previous Stop
	if t.ctx.Err() != nil {
		t.ctx, t.cancel = context.WithCancel(t.parentCtx)
	}
	t.wg.Add(1)
	go t.run(t.ctx)
	t.logger.Infow("Scheduler ticker started", "interval", t.cfg.Interval)
}

// Stop gracefully stops the ticker, waiting for an in-progress tick.
// A stopped ticker can be started again.
func (t *Ticker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.cancel()
	t.wg.Wait()
	if t.running.CompareAndSwap(true, false) {
		t.logger.Infow("Scheduler ticker stopped")
	}
}

// Running reports whether the loop is active.
func (t *Ticker) Running() bool {
	return t.running.Load()
}

func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.tickAndLog(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.tickAndLog(ctx, tickTime)
		}
	}
}

func (t *Ticker) tickAndLog(ctx context.Context, now time.Time) {
	if _, err := t.Tick(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warnw("Scheduler tick error", logger.FieldError, err)
	}
}

// Tick enqueues runs for every job due at now. Only one tick runs at a
// time per Ticker; an overlapping call is discarded with ErrTickInProgress.
// Per-job failures are logged and counted, never returned.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		if t.cfg.Observer != nil {
			t.cfg.Observer.ObserveOverlap()
		}
		t.logger.Warnw("Scheduler tick skipped, previous tick still running", logger.FieldTick, now)
		return TickResult{}, ErrTickInProgress
	}
	defer t.inFlight.Store(false)

	// Storage precision is microseconds.
	now = now.UTC().Truncate(time.Microsecond)
	started := time.Now()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	tick := t.ticksSinceStart
	t.mu.Unlock()

	var result TickResult
	defer func() {
		t.mu.Lock()
		t.lastResult = result
		t.mu.Unlock()
		if t.cfg.Observer != nil {
			t.cfg.Observer.ObserveTick(result, time.Since(started))
		}
	}()

	jobs, err := t.store.ListDue(ctx, now, t.cfg.BatchLimit)
	if err != nil {
		return result, errors.Wrap(err, "failed to list due jobs")
	}
	result.Due = len(jobs)

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := t.store.EnqueueDue(ctx, job.ID, now)
		if err != nil {
			result.Failed++
			level := t.logger.Errorw
			if errors.Is(err, ErrSchedulingConflict) {
				level = t.logger.Warnw
			}
			level("Failed to enqueue due job",
				logger.FieldJobID, job.ID,
				logger.FieldTick, tick,
				logger.FieldError, err)
			continue
		}

		if !res.Enqueued {
			result.Skipped++
			t.logger.Infow("Due job not enqueued",
				logger.FieldJobID, job.ID,
				"reason", res.Reason,
				logger.FieldNextRunAt, res.NextRunAt)
			continue
		}

		result.Enqueued++
		t.logger.Infow("Enqueued sync run",
			logger.FieldJobID, job.ID,
			"job_short", util.ShortID(job.ID),
			logger.FieldRunID, res.RunID,
			logger.FieldCadence, job.Cadence,
			logger.FieldNextRunAt, res.NextRunAt)
	}

	if result.Due > 0 {
		t.logger.Debugw("Scheduler tick complete",
			logger.FieldTick, tick,
			"due", result.Due,
			"enqueued", result.Enqueued,
			"skipped", result.Skipped,
			"failed", result.Failed,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
	}
	return result, nil
}

// Stats returns a snapshot of ticker activity.
func (t *Ticker) Stats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TickerStats{
		Running:         t.running.Load(),
		Interval:        t.cfg.Interval.String(),
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		SkippedOverlaps: t.skipped.Load(),
		LastResult:      t.lastResult,
	}
}
