// Package rate implements Discord's dynamic REST rate-limit buckets: one
// Bucket per server-declared pool, and a Registry mapping route keys to
// buckets as the server reveals their hashes.
package rate

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
	"github.com/wetrill/tern/internal/ratelimit"
)

// Rate-limit response headers.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
)

// DefaultLag is the slack added to every reset_after so a request issued
// right at the window edge does not trip the server.
const DefaultLag = 200 * time.Millisecond

// Bucket tracks one server-declared rate-limit pool. Requests sharing a
// composite key serialize on the bucket's context mutex for the whole HTTP
// round-trip; the embedded gate throttles without serializing.
type Bucket struct {
	mu csync.Mutex // held across request, UpdateFrom, and migration

	meta       sync.Mutex
	hash       string
	limit      int
	remaining  int
	resetAfter time.Duration
	resetAt    time.Time
	lag        time.Duration
	enabled    bool

	gate *ratelimit.Gate
}

// NewBucket returns an enabled bucket with one slot and the given lag slack.
func NewBucket(lag time.Duration) *Bucket {
	return &Bucket{
		limit:     1,
		remaining: 1,
		lag:       lag,
		enabled:   true,
		gate:      ratelimit.NewGate(),
	}
}

// Lock acquires the bucket's request mutex, blocking other requests with the
// same composite key until Unlock.
func (b *Bucket) Lock(ctx context.Context) error {
	return b.mu.CLock(ctx)
}

// Unlock releases the request mutex.
func (b *Bucket) Unlock() {
	b.mu.Unlock()
}

// Hash returns the server-issued bucket hash, or "" if none was seen yet.
func (b *Bucket) Hash() string {
	b.meta.Lock()
	defer b.meta.Unlock()
	return b.hash
}

// Enabled reports whether the bucket still gates requests. It turns false
// the first time a response arrives without rate-limit headers.
func (b *Bucket) Enabled() bool {
	b.meta.Lock()
	defer b.meta.Unlock()
	return b.enabled
}

// Remaining returns the last known remaining request count.
func (b *Bucket) Remaining() int {
	b.meta.Lock()
	defer b.meta.Unlock()
	return b.remaining
}

// ResetAfter returns the current lag-padded window length.
func (b *Bucket) ResetAfter() time.Duration {
	b.meta.Lock()
	defer b.meta.Unlock()
	return b.resetAfter
}

// UpdateFrom applies the rate-limit headers of one response.
func (b *Bucket) UpdateFrom(h http.Header) {
	b.meta.Lock()
	defer b.meta.Unlock()

	if !b.enabled {
		return
	}

	hash := h.Get(HeaderBucket)
	if hash == "" {
		// No per-route headers at all: the endpoint is unlimited, or the
		// response came from a shared 429 pool.
		b.enabled = false
		return
	}

	first := b.hash == ""
	if first {
		b.hash = hash
	}

	if h.Get(HeaderGlobal) != "" {
		// The response describes the global limit, not this bucket.
		return
	}

	if limit, err := strconv.Atoi(h.Get(HeaderLimit)); err == nil {
		b.limit = limit
	}

	remaining := 1
	if n, err := strconv.Atoi(h.Get(HeaderRemaining)); err == nil {
		remaining = n
	}
	// Adopt the first response as-is; after that, only ever lower
	// remaining, so a reordered stale response cannot resurrect spent
	// slots. Zero means the window turned over and any value is fresher.
	if first || remaining < b.remaining || b.remaining == 0 {
		b.remaining = remaining
	}

	if secs, err := strconv.ParseFloat(h.Get(HeaderResetAfter), 64); err == nil {
		after := time.Duration(secs * float64(time.Second))
		if after > b.resetAfter {
			b.resetAfter = after + b.lag
			b.resetAt = time.Now().Add(b.resetAfter)
		}
	}
}

// Acquire waits until the bucket admits a request. With autoLock, an
// exhausted bucket closes its gate for the remaining window first;
// remaining is pre-set to 1 so only the first caller arms the gate.
func (b *Bucket) Acquire(ctx context.Context, autoLock bool) error {
	b.meta.Lock()
	if !b.enabled {
		b.meta.Unlock()
		return nil
	}
	if b.remaining == 0 && autoLock {
		// Lock until the known reset deadline; resetAfter alone would
		// overshoot when the response aged before we got here.
		d := b.resetAfter
		if !b.resetAt.IsZero() {
			if until := time.Until(b.resetAt); until < d {
				d = until
			}
		}
		if d > 0 {
			b.gate.LockFor(d)
		}
		b.remaining = 1
	}
	b.meta.Unlock()

	return b.gate.Wait(ctx)
}

// LockFor closes the bucket's gate for d, typically the Retry-After of a
// per-route 429.
func (b *Bucket) LockFor(d time.Duration) {
	b.gate.LockFor(d)
}
