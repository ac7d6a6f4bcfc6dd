package libraryclient

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// limiter pairs a simple per-request token bucket (spacing requests at a
// minimum interval) with a semaphore bounding outstanding concurrency.
// The Library API is local and lightly rate limited, so a plain
// x/time/rate bucket is enough here — unlike the Catalog Client, which
// needs decaying backoff on 429 and keeps its own hand-rolled limiter.
type limiter struct {
	tokens *rate.Limiter
	sem    *semaphore.Weighted
}

func newLimiter(minInterval time.Duration, maxConcurrent int64) *limiter {
	if minInterval <= 0 {
		minInterval = 100 * time.Millisecond
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &limiter{
		tokens: rate.NewLimiter(rate.Every(minInterval), 1),
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

// acquire blocks until both a concurrency slot and a rate-limit token
// are available, or ctx is done.
func (l *limiter) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.tokens.Wait(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

func (l *limiter) release() {
	l.sem.Release(1)
}
