// Package server exposes run history, run logs, daemon health and
// Prometheus metrics over HTTP. The API is read-only.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse"
	"github.com/teranos/calsync/pulse/metrics"
	"github.com/teranos/calsync/pulse/schedule"
	"github.com/teranos/calsync/runlog"
)

const shutdownTimeout = 10 * time.Second

// Server serves the calsync HTTP API.
type Server struct {
	jobs    *schedule.Store
	runs    *schedule.RunStore
	logs    *runlog.Store
	daemon  *pulse.Daemon
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	mux     *http.ServeMux
}

// Options configures a Server.
type Options struct {
	Logs *runlog.Store
	// Daemon is reported by /health and provides /metrics. When nil the
	// process's active daemon, if any, is reported instead.
	Daemon *pulse.Daemon
	Logger *zap.SugaredLogger
}

// New creates a server over conn.
func New(conn *sql.DB, opts Options) (*Server, error) {
	if conn == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("run log store is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}

	m := metrics.New()
	if opts.Daemon != nil {
		m = opts.Daemon.Metrics()
	}

	s := &Server{
		jobs:    schedule.NewStore(conn, nil),
		runs:    schedule.NewRunStore(conn),
		logs:    opts.Logs,
		daemon:  opts.Daemon,
		metrics: m,
		logger:  log.Named("server"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.HandleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/api/jobs/{job}/runs", s.HandleJobRuns)
	s.mux.HandleFunc("/api/jobs/{job}/runs/{run}", s.HandleJobRun)
	s.mux.HandleFunc("/api/jobs/{job}/runs/{run}/log", s.HandleRunLog)
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow(fmt.Sprintf("HTTP server listening on port %d", port), logger.FieldAddress, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "failed to serve on port %d", port)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown failed")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugw("HTTP request",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}
