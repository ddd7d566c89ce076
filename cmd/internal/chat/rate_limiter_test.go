package chat

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d denied under the limit", i)
		}
	}
	if rl.Allow(base.Add(300 * time.Millisecond)) {
		t.Fatalf("fourth event inside the window allowed")
	}

	// The first stamp expires after one second; room opens up again.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event denied after the window slid past the oldest stamp")
	}
}

func TestRateLimiter_DefaultsOnInvalidInputs(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.max != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("max=%d window=%v want package defaults", rl.max, rl.window)
	}
}
