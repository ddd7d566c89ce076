package chat

import (
	"sync"
	"time"
)

// RateLimiter bounds how many protocol events one connection may submit
// within a sliding window. One instance per connection; Allow is safe for
// concurrent use although the gateway calls it from a single read loop.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	max    int
	window time.Duration
}

// NewRateLimiter constructs a limiter of max events per window. Non-positive
// inputs fall back to the package defaults.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, max),
		max:    max,
		window: window,
	}
}

// Allow records an event at now and reports whether it fits within the
// window. Expired stamps are pruned in place on every call.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := now.Add(-r.window)
	keep := 0
	for _, ts := range r.stamps {
		if ts.After(oldest) {
			r.stamps[keep] = ts
			keep++
		}
	}
	r.stamps = r.stamps[:keep]

	if len(r.stamps) >= r.max {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
