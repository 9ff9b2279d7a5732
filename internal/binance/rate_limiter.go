package binance

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding one-minute request budget against the
// upstream REST API, shared by backfill workers and on-demand fetches. It is
// deliberately conservative: the upstream weight limit is higher than the
// request count we allow.
type RateLimiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration

	// timestamps of requests inside the current window, oldest first
	requests []time.Time

	// penaltyUntil blocks all requests after an upstream 429/418
	penaltyUntil time.Time

	totalAcquired int64
	totalDenied   int64
}

// NewRateLimiter creates a limiter allowing requestsPerMinute requests in
// any sliding 60s window.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{
		limit:    requestsPerMinute,
		window:   time.Minute,
		requests: make([]time.Time, 0, requestsPerMinute),
	}
}

// Acquire atomically checks and records a request slot. When denied it
// returns the suggested wait before retrying.
func (r *RateLimiter) Acquire() (wait time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if now.Before(r.penaltyUntil) {
		r.totalDenied++
		return time.Until(r.penaltyUntil), false
	}

	r.evictExpired(now)

	if len(r.requests) >= r.limit {
		r.totalDenied++
		// The oldest request leaving the window frees the next slot.
		wait = r.requests[0].Add(r.window).Sub(now)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return wait, false
	}

	r.requests = append(r.requests, now)
	r.totalAcquired++
	return 0, true
}

// Penalize blocks all requests for the given duration after an upstream
// 429/418 response.
func (r *RateLimiter) Penalize(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(r.penaltyUntil) {
		r.penaltyUntil = until
	}
}

// Stats returns a snapshot for the stats endpoint.
func (r *RateLimiter) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.evictExpired(now)

	stats := map[string]interface{}{
		"limit_per_minute": r.limit,
		"in_window":        len(r.requests),
		"total_acquired":   r.totalAcquired,
		"total_denied":     r.totalDenied,
	}
	if now.Before(r.penaltyUntil) {
		stats["penalty_remaining_sec"] = int(time.Until(r.penaltyUntil).Seconds())
	}
	return stats
}

// evictExpired drops requests older than the window. Caller holds the lock.
func (r *RateLimiter) evictExpired(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.requests) && r.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.requests = r.requests[i:]
	}
}
