// Package ratelimit implements the two throttling primitives shared by the
// REST and gateway halves: a timed gate that reopens itself, and a fixed
// window limiter with FIFO waiters.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate is a level-triggered gate. It is open by default: Wait returns
// immediately while open and blocks while closed. LockFor closes the gate and
// schedules it to reopen after the given duration. It throttles, it does not
// provide mutual exclusion.
type Gate struct {
	mu   sync.Mutex
	open chan struct{} // closed channel means the gate is open
}

// NewGate returns an open gate.
func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open}
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLocked reports whether the gate is currently closed.
func (g *Gate) IsLocked() bool {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return false
	default:
		return true
	}
}

// LockFor closes the gate for d. It is a no-op if the gate is already closed,
// so reopen timers never stack.
func (g *Gate) LockFor(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.open:
	default:
		return
	}

	closed := make(chan struct{})
	g.open = closed

	time.AfterFunc(d, func() {
		g.mu.Lock()
		if g.open == closed {
			close(closed)
		}
		g.mu.Unlock()
	})
}
