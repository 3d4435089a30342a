package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRateWindow is the sliding window used for requests-per-minute budgets.
const DefaultRateWindow = time.Minute

// RateLimiter is sliding-window admission control for outbound decision
// requests. It records the time of each admitted request and admits a new one
// only while fewer than max requests fall inside the window.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewRateLimiter creates a limiter admitting at most maxPerWindow requests per
// window. A non-positive window means one minute.
func NewRateLimiter(maxPerWindow int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		max:    maxPerWindow,
		window: window,
		stamps: make([]time.Time, 0, maxPerWindow),
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger.Named("ratelimit"),
	}
}

// Acquire blocks until a slot is free and records the request. After waking
// it re-checks the window, since other callers may have taken the slot.
// It returns ctx.Err() if ctx ends while waiting.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := r.now()
		r.evictLocked(now)
		if len(r.stamps) < r.max {
			r.stamps = append(r.stamps, now)
			r.mu.Unlock()
			return nil
		}
		wait := r.window - now.Sub(r.stamps[0])
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		r.logger.Debug("rate limit reached, waiting",
			zap.Int("max", r.max),
			zap.Duration("wait", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining returns how many requests would be admitted right now.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(r.now())
	return r.max - len(r.stamps)
}

// Max returns the configured budget per window.
func (r *RateLimiter) Max() int {
	return r.max
}

// evictLocked drops timestamps that are a full window or more in the past.
func (r *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
