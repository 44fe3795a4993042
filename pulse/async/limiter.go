package async

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// SpawnLimiter bounds how often the pool starts the sync tool. The limit can
// be changed while runs are waiting. A nil *SpawnLimiter never blocks.
type SpawnLimiter struct {
	perMinute atomic.Int64
	limiter   *rate.Limiter
}

// NewSpawnLimiter allows maxPerMinute spawns per minute, spread evenly.
// maxPerMinute <= 0 means unlimited.
func NewSpawnLimiter(maxPerMinute int) *SpawnLimiter {
	l := &SpawnLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	l.SetPerMinute(maxPerMinute)
	return l
}

func limitFor(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(perMinute))
}

// SetPerMinute changes the limit; <= 0 removes it.
func (l *SpawnLimiter) SetPerMinute(perMinute int) {
	if l == nil {
		return
	}
	if perMinute < 0 {
		perMinute = 0
	}
	l.perMinute.Store(int64(perMinute))
	l.limiter.SetLimit(limitFor(perMinute))
}

// Wait blocks until a spawn is allowed or ctx is done.
func (l *SpawnLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether a spawn may happen now, consuming a token if so.
func (l *SpawnLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// PerMinute returns the configured limit, 0 meaning unlimited.
func (l *SpawnLimiter) PerMinute() int {
	if l == nil {
		return 0
	}
	return int(l.perMinute.Load())
}
