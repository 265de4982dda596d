package cover

import (
	"context"
	"sync"
	"time"
)

// throttle enforces a minimum spacing between command dispatches to one
// source cover. Callers reserve the next available slot up front, so
// concurrent acquires queue fairly in reservation order rather than
// stampeding when the current window expires.
//
// Only command dispatch goes through the throttle; state reads are
// never throttled.
type throttle struct {
	mu      sync.Mutex
	spacing time.Duration
	next    time.Time
}

func newThrottle(spacing time.Duration) *throttle {
	return &throttle{spacing: spacing}
}

// Acquire blocks until the caller's reserved slot arrives or ctx is
// cancelled. A zero spacing admits immediately.
func (t *throttle) Acquire(ctx context.Context) error {
	if t.spacing <= 0 {
		return ctx.Err()
	}

	t.mu.Lock()
	now := time.Now()
	if t.next.Before(now) {
		t.next = now
	}
	wait := t.next.Sub(now)
	t.next = t.next.Add(t.spacing)
	t.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
