// Package resilience provides the rate limiter and circuit breaker that
// guard every external-call site (embedder, remote vector store). Each
// external call composes them in order: rate-limit first, then a
// circuit-breaker wrap of the call itself.
package resilience

import (
	"sync"
	"time"

	memerrors "github.com/trapias/memoria/internal/errors"
)

// RateLimiter is a sliding-window limiter over monotonic timestamps.
// Acquire either records now or fails with a RateLimitedError carrying how
// long the caller must wait for the oldest timestamp to age out.
type RateLimiter struct {
	mu            sync.Mutex
	maxRequests   int
	window        time.Duration
	timestamps    []time.Time
}

// NewRateLimiter builds a RateLimiter allowing maxRequests per window.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{maxRequests: maxRequests, window: window}
}

// Acquire records a request, returning a RateLimitedError if the window is
// already full.
func (r *RateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.evictOld(now)

	if len(r.timestamps) >= r.maxRequests {
		oldest := r.timestamps[0]
		retryAfter := oldest.Add(r.window).Sub(now)
		if retryAfter < 100*time.Millisecond {
			retryAfter = 100 * time.Millisecond
		}
		return &memerrors.RateLimitedError{RetryAfter: retryAfter}
	}

	r.timestamps = append(r.timestamps, now)
	return nil
}

// TryAcquire is Acquire without the error: true if a slot was available.
func (r *RateLimiter) TryAcquire() bool {
	return r.Acquire() == nil
}

// Remaining reports how many requests may still be made in the current
// window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictOld(time.Now())
	remaining := r.maxRequests - len(r.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (r *RateLimiter) evictOld(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.timestamps) && r.timestamps[i].Before(cutoff) {
		i++
	}
	r.timestamps = r.timestamps[i:]
}
