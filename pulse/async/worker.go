// Package async claims pending sync runs and executes them.
//
// Any number of worker pools, in one process or many, may share a database.
// The run queue is the only coordination point: a run is executed by
// whichever pool's conditional claim succeeds.
package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/synctool"
)

// Cancellation causes, surfaced as the message of a cancelled run.
var (
	ErrShuttingDown    = errors.New("executor shutting down")
	ErrCancelRequested = errors.New("cancelled by request")
)

// BundleSource provides the encrypted credential bundle for an account.
type BundleSource interface {
	EnsureBundle(ctx context.Context, accountID string) (string, error)
}

// ToolRunner executes the sync tool.
type ToolRunner interface {
	Run(ctx context.Context, inv synctool.Invocation) (*synctool.Result, error)
}

// LogSink persists run output and returns where it was stored.
type LogSink interface {
	Write(jobID, runID, content string) (string, error)
}

// RunObserver receives executor events, e.g. for metrics.
type RunObserver interface {
	ObserveClaimLost()
	ObserveRunStarted()
	ObserveRunFinished(status string, code ErrorCode, duration time.Duration)
}

// Dependencies are the collaborators a worker pool executes runs with.
type Dependencies struct {
	Jobs     *schedule.Store
	Runs     *schedule.RunStore
	Bundles  BundleSource
	Runner   ToolRunner
	Logs     LogSink
	Registry *synctool.Registry // nil = synctool.DefaultRegistry()
	Observer RunObserver        // optional
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`               // Number of concurrent workers
	PollInterval       time.Duration `json:"poll_interval"`         // How often an idle worker looks for runs
	CancelPollInterval time.Duration `json:"cancel_poll_interval"`  // How often a running run checks its cancel flag
	OrphanAfter        time.Duration `json:"orphan_after"`          // Running runs older than this are failed on Start (0 disables)
	MaxSpawnsPerMinute int           `json:"max_spawns_per_minute"` // 0 = unlimited
	ClaimBatch         int           `json:"claim_batch"`           // Candidates fetched per poll
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`      // How long Stop waits for in-flight runs
	KeepScratch        bool          `json:"keep_scratch"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:            2,
		PollInterval:       5 * time.Second,
		CancelPollInterval: 2 * time.Second,
		OrphanAfter:        time.Hour,
		ClaimBatch:         10,
		ShutdownTimeout:    30 * time.Second,
	}
}

// WorkerPool manages a pool of workers that claim and execute sync runs
type WorkerPool struct {
	jobs      *schedule.Store
	runs      *schedule.RunStore
	deps      Dependencies
	cfg       WorkerPoolConfig
	limiter   *SpawnLimiter
	logger    *zap.SugaredLogger
	now       func() time.Time
	running   atomic.Bool
	processed atomic.Int64

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelCauseFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	inFlight      map[string]context.CancelCauseFunc
	startTime     time.Time
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(deps Dependencies, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithContext(context.Background(), deps, cfg, log)
}

// NewWorkerPoolWithContext creates a worker pool whose workers stop when ctx is done.
func NewWorkerPoolWithContext(ctx context.Context, deps Dependencies, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaults.CancelPollInterval
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaults.ClaimBatch
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if deps.Registry == nil {
		deps.Registry = synctool.DefaultRegistry()
	}
	if log == nil {
		log = logger.Logger
	}

	workerCtx, cancel := context.WithCancelCause(ctx)
	return &WorkerPool{
		jobs:      deps.Jobs,
		runs:      deps.Runs,
		deps:      deps,
		cfg:       cfg,
		limiter:   NewSpawnLimiter(cfg.MaxSpawnsPerMinute),
		logger:    log.Named("executor"),
		now:       time.Now,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		inFlight:  make(map[string]context.CancelCauseFunc),
	}
}

// Start recovers orphaned runs and starts the workers.
func (wp *WorkerPool) Start() {
	if !wp.running.CompareAndSwap(false, true) {
		return
	}

	wp.mu.Lock()
	// Recreate the context after a previous Stop
	if wp.ctx.Err() != nil {
		wp.ctx, wp.cancel = context.WithCancelCause(wp.parentCtx)
	}
	wp.startTime = wp.now()
	wp.mu.Unlock()

	if n, err := wp.RecoverOrphans(wp.ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned runs", logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Warnw("Failed runs orphaned by a previous executor", logger.FieldCount, n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started",
		"workers", wp.cfg.Workers,
		"poll_interval", wp.cfg.PollInterval,
		"max_spawns_per_minute", wp.limiter.PerMinute())
}

// Stop cancels in-flight runs, which are recorded as cancelled, and waits for
// the workers to exit or for ShutdownTimeout.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped")
	case <-time.After(wp.cfg.ShutdownTimeout):
		wp.logger.Warnw("Worker pool stop timed out, runs may still be finishing", "timeout", wp.cfg.ShutdownTimeout)
	}
	wp.running.Store(false)
}

// Running reports whether the workers are active.
func (wp *WorkerPool) Running() bool {
	return wp.running.Load()
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

// SetMaxSpawnsPerMinute changes the spawn rate limit while the pool runs.
// 0 removes the limit.
func (wp *WorkerPool) SetMaxSpawnsPerMinute(n int) {
	if wp.limiter.PerMinute() == n {
		return
	}
	wp.limiter.SetPerMinute(n)
	wp.logger.Infow("Spawn limit changed", "max_spawns_per_minute", wp.limiter.PerMinute())
}

// MaxSpawnsPerMinute returns the current spawn rate limit, 0 meaning unlimited.
func (wp *WorkerPool) MaxSpawnsPerMinute() int {
	return wp.limiter.PerMinute()
}

// RecoverOrphans fails runs left running longer than OrphanAfter, typically
// by an executor that died mid-run.
func (wp *WorkerPool) RecoverOrphans(ctx context.Context) (int, error) {
	if wp.cfg.OrphanAfter <= 0 {
		return 0, nil
	}
	now := wp.now().UTC()
	return wp.runs.FailOrphaned(ctx, now.Add(-wp.cfg.OrphanAfter), now)
}

// Cancel stops a run executing in this process. Returns false when the run
// is not executing here; RunStore.RequestCancel reaches runs in other processes.
func (wp *WorkerPool) Cancel(runID string) bool {
	wp.mu.Lock()
	cancel, ok := wp.inFlight[runID]
	wp.mu.Unlock()
	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

// worker polls for runs until the pool stops.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	wp.mu.Lock()
	ctx := wp.ctx
	wp.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := wp.RunBatch(ctx)
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						logger.FieldWorkerID, id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				continue
			}

			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error polling runs",
				logger.FieldWorkerID, id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, id,
					"backoff", backoffDuration)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		}
	}
}

// RunBatch claims and executes runs until none are claimable. A claim lost to
// another executor means re-polling; a claim that errors is skipped for the
// rest of the batch. Execution failures are recorded on the run and never
// returned. Returns the number of runs executed.
func (wp *WorkerPool) RunBatch(ctx context.Context) (int, error) {
	skip := make(map[string]bool)
	processed := 0

	for ctx.Err() == nil {
		candidates, err := wp.runs.ListClaimable(ctx, wp.cfg.ClaimBatch)
		if err != nil {
			return processed, errors.Wrap(err, "failed to list claimable runs")
		}

		var next *schedule.Run
		for _, c := range candidates {
			if !skip[c.ID] {
				next = c
				break
			}
		}
		if next == nil {
			return processed, nil
		}

		won, err := wp.runs.Claim(ctx, next.ID, wp.now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return processed, nil
			}
			wp.logger.Warnw("Failed to claim run",
				logger.FieldRunID, next.ID,
				logger.FieldJobID, next.JobID,
				logger.FieldError, err)
			skip[next.ID] = true
			continue
		}
		if !won {
			wp.logger.Debugw("Run claimed elsewhere, re-polling",
				logger.FieldRunID, next.ID,
				logger.FieldErrorCode, ErrorCodeClaimRace)
			if wp.deps.Observer != nil {
				wp.deps.Observer.ObserveClaimLost()
			}
			continue
		}

		wp.execute(ctx, next)
		processed++
	}
	return processed, nil
}

// outcome is the terminal state computed for a claimed run.
type outcome struct {
	status   string
	code     ErrorCode
	message  string
	exitCode *int
	output   string
}

// execute runs a claimed run to a terminal state and records it. It never
// panics out and never returns an error: every failure ends up on the run.
func (wp *WorkerPool) execute(parent context.Context, run *schedule.Run) {
	ctx := logger.WithRunID(logger.WithJobID(parent, run.JobID), run.ID)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	log := logger.FromContext(runCtx, wp.logger)

	wp.mu.Lock()
	wp.activeWorkers++
	wp.inFlight[run.ID] = cancel
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		delete(wp.inFlight, run.ID)
		wp.mu.Unlock()
	}()

	go wp.watchCancel(runCtx, run.ID, cancel)

	if wp.deps.Observer != nil {
		wp.deps.Observer.ObserveRunStarted()
	}
	log.Infow("Executing sync run", "run_short", util.ShortID(run.ID))

	started := time.Now()
	out := wp.executeSafely(runCtx, run, log)
	duration := time.Since(started)

	// Record the outcome even when the run context was cancelled.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finishCancel()

	var logLocation *string
	if wp.deps.Logs != nil {
		content := renderLog(run, out, duration)
		if loc, err := wp.deps.Logs.Write(run.JobID, run.ID, content); err != nil {
			log.Errorw("Failed to persist run log", logger.FieldError, err)
		} else {
			logLocation = &loc
		}
	}

	ok, err := wp.runs.Finish(finishCtx, run.ID, schedule.FinishInput{
		Status:      out.status,
		Message:     out.message,
		LogLocation: logLocation,
		ExitCode:    out.exitCode,
	}, wp.now().UTC())
	switch {
	case err != nil:
		log.Errorw("Failed to record run outcome", logger.FieldStatus, out.status, logger.FieldError, err)
	case !ok:
		log.Warnw("Run was no longer running when finishing", logger.FieldStatus, out.status)
	}

	wp.processed.Add(1)
	if wp.deps.Observer != nil {
		wp.deps.Observer.ObserveRunFinished(out.status, out.code, duration)
	}

	fields := []interface{}{
		logger.FieldStatus, out.status,
		logger.FieldDurationMS, duration.Milliseconds(),
	}
	if out.code != "" {
		fields = append(fields, logger.FieldErrorCode, out.code, "message", out.message)
	}
	if out.status == schedule.RunStatusSuccess {
		log.Infow("Sync run finished", fields...)
	} else {
		log.Warnw("Sync run finished", fields...)
	}
}

// executeSafely converts a panic anywhere in the pipeline into a failed run.
func (wp *WorkerPool) executeSafely(ctx context.Context, run *schedule.Run, log *zap.SugaredLogger) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Panic while executing run", "panic", r)
			out = outcome{
				status:  schedule.RunStatusFailed,
				code:    ErrorCodeInfrastructure,
				message: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	res, stage, err := wp.pipeline(ctx, run, log)

	if res != nil {
		out.output = res.Combined()
		if res.Signal == "" && !res.Cancelled {
			code := res.ExitCode
			out.exitCode = &code
		}
	}

	switch {
	case err == nil:
		out.status = schedule.RunStatusSuccess
		out.message = "sync completed"
	case ctx.Err() != nil || errors.Is(err, synctool.ErrCancelled):
		out.status = schedule.RunStatusCancelled
		out.code = ErrorCodeCancelled
		out.message = cancelMessage(ctx)
	default:
		ec := ClassifyError(stage, err)
		out.status = schedule.RunStatusFailed
		out.code = ec.Code
		out.message = ec.Message
	}
	return out
}

func cancelMessage(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrShuttingDown):
		return ErrShuttingDown.Error()
	case errors.Is(cause, ErrCancelRequested):
		return ErrCancelRequested.Error()
	case cause != nil:
		return "cancelled: " + cause.Error()
	}
	return "cancelled"
}

// pipeline loads the job, materializes credentials and runs the tool.
// stage names the step that failed.
func (wp *WorkerPool) pipeline(ctx context.Context, run *schedule.Run, log *zap.SugaredLogger) (*synctool.Result, string, error) {
	job, err := wp.jobs.Get(ctx, run.JobID)
	if err != nil {
		return nil, "load job", err
	}

	files := make(map[string][]byte)
	fileForAccount := make(map[string]string)
	for i, accountID := range job.AccountIDs() {
		bundle, err := wp.deps.Bundles.EnsureBundle(ctx, accountID)
		if err != nil {
			return nil, "credentials", errors.Wrapf(err, "account %s", accountID)
		}
		name := fmt.Sprintf("credentials-%d.asc", i)
		files[name] = []byte(bundle)
		fileForAccount[accountID] = name
	}

	if err := wp.limiter.Wait(ctx); err != nil {
		return nil, "spawn limit", errors.Mark(errors.Wrap(err, "waiting for spawn slot"), synctool.ErrCancelled)
	}

	stdout := synctool.NewLogWriter(log, "stdout")
	stderr := synctool.NewLogWriter(log, "stderr")
	defer stdout.Flush()
	defer stderr.Flush()

	res, err := wp.deps.Runner.Run(ctx, synctool.Invocation{
		Files: files,
		Config: func(paths map[string]string) ([]byte, error) {
			secretFiles := make(map[string]string, len(fileForAccount))
			for accountID, name := range fileForAccount {
				secretFiles[accountID] = paths[name]
			}
			return synctool.BuildConfig(synctool.Input{
				Source:      synctool.Endpoint(job.Source),
				Destination: synctool.Endpoint(job.Destination),
				Options:     job.Config,
				SecretFiles: secretFiles,
				Registry:    wp.deps.Registry,
			})
		},
		Stdout:      stdout,
		Stderr:      stderr,
		KeepScratch: wp.cfg.KeepScratch,
	})
	return res, "sync tool", err
}

// watchCancel polls the run's cancel flag so a cancel requested from any
// process stops the tool.
func (wp *WorkerPool) watchCancel(ctx context.Context, runID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(wp.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := wp.runs.IsCancelRequested(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					wp.logger.Debugw("Failed to check cancel flag", logger.FieldRunID, runID, logger.FieldError, err)
				}
				continue
			}
			if requested {
				cancel(ErrCancelRequested)
				return
			}
		}
	}
}

func renderLog(run *schedule.Run, out outcome, duration time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\njob: %s\nstatus: %s\nduration: %s\n",
		run.ID, run.JobID, out.status, duration.Round(time.Millisecond))
	if out.exitCode != nil {
		fmt.Fprintf(&b, "exit_code: %d\n", *out.exitCode)
	}
	if out.message != "" {
		fmt.Fprintf(&b, "message: %s\n", out.message)
	}
	if out.output != "" {
		b.WriteString("\n")
		b.WriteString(out.output)
	}
	return b.String()
}
