package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TimePer allows at most limit acquisitions per rolling window of per,
// serving blocked callers in FIFO order. The window opens when the first
// token of a full state is consumed; a single timer refills the counter when
// the window elapses and hands tokens to queued waiters in order.
type TimePer struct {
	limit int
	per   time.Duration

	mu        sync.Mutex
	remaining int
	waiters   []chan struct{}
	armed     bool
}

// NewTimePer returns a limiter admitting limit acquisitions per per.
func NewTimePer(limit int, per time.Duration) *TimePer {
	return &TimePer{
		limit:     limit,
		per:       per,
		remaining: limit,
	}
}

// Limit returns the per-window acquisition limit.
func (t *TimePer) Limit() int { return t.limit }

// Per returns the window duration.
func (t *TimePer) Per() time.Duration { return t.per }

// Acquire takes one token, blocking in FIFO order behind earlier callers once
// the window is exhausted. Cancelling ctx dequeues the caller without
// affecting other waiters.
func (t *TimePer) Acquire(ctx context.Context) error {
	t.mu.Lock()
	if t.remaining > 0 {
		t.remaining--
		t.armLocked()
		t.mu.Unlock()
		return nil
	}

	grant := make(chan struct{}, 1)
	t.waiters = append(t.waiters, grant)
	t.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		select {
		case <-grant:
			// Granted while we were cancelling; pass the token on.
			t.regrantLocked()
		default:
			t.dequeueLocked(grant)
		}
		t.mu.Unlock()
		return ctx.Err()
	}
}

// armLocked schedules the refill timer if no window is currently open.
func (t *TimePer) armLocked() {
	if t.armed {
		return
	}
	t.armed = true
	time.AfterFunc(t.per, t.refill)
}

func (t *TimePer) refill() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.armed = false
	t.remaining = t.limit

	for t.remaining > 0 && len(t.waiters) > 0 {
		grant := t.waiters[0]
		t.waiters = t.waiters[1:]
		t.remaining--
		grant <- struct{}{}
	}

	if t.remaining < t.limit {
		t.armLocked()
	}
}

// regrantLocked hands an unused granted token to the next waiter, or returns
// it to the counter.
func (t *TimePer) regrantLocked() {
	if len(t.waiters) > 0 {
		next := t.waiters[0]
		t.waiters = t.waiters[1:]
		next <- struct{}{}
		return
	}
	t.remaining++
}

func (t *TimePer) dequeueLocked(grant chan struct{}) {
	for i, w := range t.waiters {
		if w == grant {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}
