// Package backoff provides a jittered exponential backoff for reconnect
// loops.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing wait durations between Min and Max,
// with full jitter so parallel reconnectors do not thunder in step. The zero
// value is not usable; use New.
type Backoff struct {
	min, max time.Duration
	attempt  int
}

// New returns a backoff counter starting at min and capped at max.
func New(min, max time.Duration) *Backoff {
	return &Backoff{min: min, max: max}
}

// Next returns the wait duration for the next attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	ceil := b.min << uint(b.attempt)
	if ceil > b.max || ceil < b.min {
		ceil = b.max
	} else {
		b.attempt++
	}

	if ceil <= b.min {
		return b.min
	}
	return b.min + time.Duration(rand.Int63n(int64(ceil-b.min)))
}

// Reset rewinds the counter so the next wait starts from min again.
func (b *Backoff) Reset() {
	b.attempt = 0
}
