// Package handler implements event fan-out: a generic keyed dispatcher for
// raw payloads, and a typed dispatcher for a small event hierarchy.
package handler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultWaitTimeout bounds WaitFor when the caller's context carries no
// deadline of its own.
var DefaultWaitTimeout = 90 * time.Second

// ErrWaiterFailed wraps a panic thrown by a WaitFor predicate.
var ErrWaiterFailed = errors.New("waiter predicate failed")

// PanicLog receives listener panics on dispatchers without a PanicHandler.
// It can be swapped for custom reporting.
var PanicLog = func(recovered interface{}) {
	log.Println("handler: listener panicked:", recovered)
}

// Dispatcher fans an event key and payload out to per-key listeners, global
// handlers, and one-shot waiters. All methods are safe for concurrent use.
type Dispatcher[K comparable, V any] struct {
	// PanicHandler is invoked when a listener or handler panics during
	// dispatch, with the callback that panicked. When nil, the panic goes
	// to PanicLog instead; sibling listeners are never affected either way.
	PanicHandler func(key K, value V, listener func(V), recovered interface{})

	mu        sync.Mutex
	serial    uint64
	listeners map[K]map[uint64]func(V)
	handlers  map[uint64]func(K, V)
	waiters   map[K][]*waiter[V]
}

type waiter[V any] struct {
	pred func(V) bool
	done chan waitResult[V]
}

type waitResult[V any] struct {
	value V
	err   error
}

// New returns an empty dispatcher.
func New[K comparable, V any]() *Dispatcher[K, V] {
	return &Dispatcher[K, V]{
		listeners: make(map[K]map[uint64]func(V)),
		handlers:  make(map[uint64]func(K, V)),
		waiters:   make(map[K][]*waiter[V]),
	}
}

// AddListener registers fn under key and returns a function that removes it.
func (d *Dispatcher[K, V]) AddListener(key K, fn func(V)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.serial
	d.serial++

	if d.listeners[key] == nil {
		d.listeners[key] = make(map[uint64]func(V))
	}
	d.listeners[key][id] = fn

	return func() {
		d.mu.Lock()
		delete(d.listeners[key], id)
		d.mu.Unlock()
	}
}

// AddHandler registers fn to receive every dispatched event along with its
// key. It returns a function that removes the handler.
func (d *Dispatcher[K, V]) AddHandler(fn func(K, V)) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.serial
	d.serial++
	d.handlers[id] = fn

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// Dispatch resolves waiters under key, then runs every listener under key and
// every global handler in its own goroutine. The returned Join completes when
// all spawned callbacks have returned; it is already complete when nothing
// was registered.
func (d *Dispatcher[K, V]) Dispatch(key K, value V) *Join {
	j := new(Join)
	d.dispatch(j, key, value)
	return j
}

func (d *Dispatcher[K, V]) dispatch(j *Join, key K, value V) {
	d.mu.Lock()

	d.resolveWaiters(key, value)

	listeners := make([]func(V), 0, len(d.listeners[key]))
	for _, fn := range d.listeners[key] {
		listeners = append(listeners, fn)
	}
	handlers := make([]func(K, V), 0, len(d.handlers))
	for _, fn := range d.handlers {
		handlers = append(handlers, fn)
	}
	onPanic := d.PanicHandler

	d.mu.Unlock()

	for _, fn := range listeners {
		fn := fn
		j.go1(func() {
			defer recoverInto(onPanic, key, value, fn)
			fn(value)
		})
	}
	for _, fn := range handlers {
		fn := fn
		j.go1(func() {
			defer recoverInto(onPanic, key, value, func(v V) { fn(key, v) })
			fn(key, value)
		})
	}
}

// resolveWaiters is called with d.mu held. Each waiter is one-shot: a
// matching payload or a panicking predicate consumes it.
func (d *Dispatcher[K, V]) resolveWaiters(key K, value V) {
	ws := d.waiters[key]
	kept := ws[:0]

	for _, w := range ws {
		matched, err := runPredicate(w.pred, value)
		switch {
		case err != nil:
			w.done <- waitResult[V]{err: err}
		case matched:
			w.done <- waitResult[V]{value: value}
		default:
			kept = append(kept, w)
		}
	}

	if len(kept) == 0 {
		delete(d.waiters, key)
	} else {
		d.waiters[key] = kept
	}
}

func runPredicate[V any](pred func(V) bool, value V) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Wrapf(ErrWaiterFailed, "%v", rec)
		}
	}()
	if pred == nil {
		return true, nil
	}
	return pred(value), nil
}

// WaitFor blocks until an event under key satisfies pred, then returns its
// payload. A nil pred matches the first event. If ctx has no deadline,
// DefaultWaitTimeout applies. Cancellation and timeout deregister the waiter.
func (d *Dispatcher[K, V]) WaitFor(ctx context.Context, key K, pred func(V) bool) (V, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultWaitTimeout)
		defer cancel()
	}

	w := &waiter[V]{pred: pred, done: make(chan waitResult[V], 1)}

	d.mu.Lock()
	d.waiters[key] = append(d.waiters[key], w)
	d.mu.Unlock()

	select {
	case res := <-w.done:
		return res.value, res.err
	case <-ctx.Done():
		d.mu.Lock()
		d.removeWaiter(key, w)
		d.mu.Unlock()

		var zero V
		return zero, ctx.Err()
	}
}

func (d *Dispatcher[K, V]) removeWaiter(key K, w *waiter[V]) {
	ws := d.waiters[key]
	for i, queued := range ws {
		if queued == w {
			d.waiters[key] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

func recoverInto[K comparable, V any](onPanic func(K, V, func(V), interface{}), key K, value V, listener func(V)) {
	rec := recover()
	if rec == nil {
		return
	}
	if onPanic != nil {
		onPanic(key, value, listener, rec)
		return
	}
	PanicLog(rec)
}

// Join aggregates the callbacks spawned by one or more Dispatch calls.
type Join struct {
	wg sync.WaitGroup
}

func (j *Join) go1(fn func()) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		fn()
	}()
}

// Wait blocks until every spawned callback has returned.
func (j *Join) Wait() {
	j.wg.Wait()
}
