package catalogclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	applog "github.com/drallgood/audiobook-reconciler/internal/logger"
)

// Metrics tracks rate limiter activity for diagnostics.
type Metrics struct {
	Requests      uint64 `json:"requests"`
	RateLimited   uint64 `json:"rate_limited"`
	RetryAfter    uint64 `json:"retry_after"`
	BackoffEvents uint64 `json:"backoff_events"`
	CurrentRate   string `json:"current_rate"`
}

var (
	// DefaultRate spaces requests to honor a 20/min budget.
	DefaultRate = 3 * time.Second
	// DefaultBurst is the catalog's burst cap.
	DefaultBurst = 5
	// DefaultMaxBackoff is the backoff ceiling on repeated 429s.
	DefaultMaxBackoff = 60 * time.Second
	// DefaultBackoffFactor multiplies the current rate on each 429.
	DefaultBackoffFactor = 4.0
	// DefaultJitterFactor randomizes backoff to avoid thundering herds.
	DefaultJitterFactor = 0.3
	// DefaultMaxConcurrent bounds outstanding catalog requests.
	DefaultMaxConcurrent = 3
	// QuietPeriod is how long without a 429 before the backoff rate
	// starts decaying back toward baseline.
	QuietPeriod = time.Minute
)

// rateLimiter is a token-bucket limiter with a per-minute request
// budget, a burst cap, and exponential backoff on 429 that decays back
// toward baseline after a quiet minute. Grounded on the teacher's
// internal/util/rate_limiter.go, kept close to its original shape;
// the quiet-period decay is new, built on top of its otherwise-unread
// lastRateLimitEvent bookkeeping, because the Catalog Client's spec
// requires automatic recovery and the teacher only offered a manual
// ResetRate.
type rateLimiter struct {
	mu              sync.Mutex
	last            time.Time
	rate            time.Duration
	minRate         time.Duration
	maxRate         time.Duration
	tokens          int
	maxTokens       int
	backoffUntil    time.Time
	backoffFactor   float64
	jitterFactor    float64
	lastRateLimitAt time.Time
	concurrentReqs  int32
	maxConcurrent   int32
	metrics         Metrics
	log             *applog.Logger
}

func newRateLimiter(rate time.Duration, burst, maxConcurrent int, log *applog.Logger) *rateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if log == nil {
		log = applog.Get()
	}

	log.Info("initializing catalog rate limiter", map[string]interface{}{
		"component": "catalog_rate_limiter", "rate": rate.String(), "burst": burst, "max_concurrent": maxConcurrent,
	})

	return &rateLimiter{
		last:          time.Now(),
		rate:          rate,
		minRate:       rate,
		maxRate:       DefaultMaxBackoff,
		tokens:        burst,
		maxTokens:     burst,
		backoffFactor: DefaultBackoffFactor,
		jitterFactor:  DefaultJitterFactor,
		maxConcurrent: int32(maxConcurrent),
		log:           log,
	}
}

// wait blocks until a token is available, any backoff has elapsed, and
// a concurrency slot is free, or ctx is done.
func (r *rateLimiter) wait(ctx context.Context) error {
	r.mu.Lock()
	backoffRemaining := r.checkBackoffLocked()
	r.decayIfQuietLocked()
	r.mu.Unlock()

	if backoffRemaining > 0 {
		timer := time.NewTimer(backoffRemaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if r.maxConcurrent > 0 {
		current := atomic.AddInt32(&r.concurrentReqs, 1)
		defer atomic.AddInt32(&r.concurrentReqs, -1)
		if current > r.maxConcurrent {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for current > r.maxConcurrent {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					current = atomic.LoadInt32(&r.concurrentReqs)
				}
			}
		}
	}

	return r.consumeToken(ctx)
}

func (r *rateLimiter) consumeToken(ctx context.Context) error {
	r.mu.Lock()
	atomic.AddUint64(&r.metrics.Requests, 1)

	now := time.Now()
	if delta := now.Sub(r.last); delta > 0 {
		if gained := int(float64(delta) / float64(r.rate)); gained > 0 {
			r.tokens += gained
			if r.tokens > r.maxTokens {
				r.tokens = r.maxTokens
			}
			r.last = now
		}
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	waitTime := r.rate + r.jitter()
	next := r.last.Add(waitTime)
	r.last = next
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		r.mu.Lock()
		r.last = time.Now()
		r.mu.Unlock()
		return nil
	}
}

// onRateLimited registers a 429 response and returns the backoff the
// caller should (already has, via wait) observe before its next try.
func (r *rateLimiter) onRateLimited(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.metrics.RateLimited++
	if retryAfter > 0 {
		r.metrics.RetryAfter++
	}
	r.metrics.BackoffEvents++
	r.lastRateLimitAt = now

	base := r.rate
	if retryAfter > 0 {
		base = time.Duration(float64(retryAfter) * 1.2)
	}
	backoff := time.Duration(float64(base) * r.backoffFactor)

	jitter := time.Duration(rand.Float64() * float64(backoff) * r.jitterFactor)
	if rand.Float64() < 0.5 {
		backoff -= jitter
	} else {
		backoff += jitter
	}
	if backoff < r.minRate {
		backoff = r.minRate
	}
	if backoff > r.maxRate {
		backoff = r.maxRate
	}

	prevRate := r.rate
	r.rate = backoff
	r.tokens = 1
	r.backoffUntil = now.Add(backoff)

	r.log.Warn("catalog rate limit encountered, backing off", map[string]interface{}{
		"previous_rate": prevRate.String(), "new_rate": r.rate.String(), "backoff": backoff.String(),
	})

	return backoff
}

// checkBackoffLocked returns the remaining backoff duration. Caller
// must hold r.mu.
func (r *rateLimiter) checkBackoffLocked() time.Duration {
	if r.backoffUntil.IsZero() {
		return 0
	}
	now := time.Now()
	if now.After(r.backoffUntil) {
		r.backoffUntil = time.Time{}
		return 0
	}
	return r.backoffUntil.Sub(now)
}

// decayIfQuietLocked relaxes the rate halfway back toward baseline once
// a full quiet period has passed since the last 429. Caller must hold r.mu.
func (r *rateLimiter) decayIfQuietLocked() {
	if r.rate <= r.minRate || r.lastRateLimitAt.IsZero() {
		return
	}
	if time.Since(r.lastRateLimitAt) < QuietPeriod {
		return
	}
	decayed := r.minRate + (r.rate-r.minRate)/2
	if decayed <= r.minRate {
		decayed = r.minRate
	}
	r.rate = decayed
	r.lastRateLimitAt = time.Now()
	r.log.Info("catalog rate limiter decaying after quiet period", map[string]interface{}{"new_rate": r.rate.String()})
}

func (r *rateLimiter) jitter() time.Duration {
	return time.Duration((rand.Float64()*2 - 1) * float64(r.rate) * r.jitterFactor)
}

// setJitterFactor clamps and applies a new jitter factor.
func (r *rateLimiter) setJitterFactor(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jitterFactor = clampJitterFactor(f)
}

// setBackoffFactor overrides the per-429 backoff multiplier.
func (r *rateLimiter) setBackoffFactor(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoffFactor = f
}

// setMaxRate overrides the backoff ceiling.
func (r *rateLimiter) setMaxRate(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRate = d
}

func (r *rateLimiter) getMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.CurrentRate = fmt.Sprintf("%.2f req/min", float64(time.Minute)/float64(r.rate))
	return m
}

// parseRetryAfter parses a Retry-After header (seconds or HTTP-date
// form), adding a 10% safety buffer.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(float64(secs) * 1.1 * float64(time.Second))
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	return time.Duration(float64(time.Until(t)) * 1.1)
}

func clampJitterFactor(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func looksLikeRateLimitHeader(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "ratelimit-") || strings.HasPrefix(k, "x-ratelimit-")
}
