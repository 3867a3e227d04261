package handler

import "context"

// Kind names one node of the event hierarchy.
type Kind string

const (
	// KindAny is the root kind; every event dispatches under it last.
	KindAny Kind = "*"
	// KindException is the kind of ExceptionEvent.
	KindException Kind = "exception"
)

// Event is a typed event. Kinds returns the keys the event dispatches under,
// most specific first, ending with KindAny.
type Event interface {
	Kinds() []Kind
}

// ExceptionEvent reports a listener panic. It carries the event whose
// listener failed, the listener itself, and the recovered panic value.
type ExceptionEvent struct {
	Event     Event
	Listener  func(Event)
	Recovered interface{}
}

func (ExceptionEvent) Kinds() []Kind {
	return []Kind{KindException, KindAny}
}

// TypedDispatcher dispatches Events under every kind they declare, so a
// listener registered on an ancestor kind sees all descendant events. A
// panicking listener produces an ExceptionEvent on the same dispatcher;
// panics while handling an ExceptionEvent are dropped to avoid loops.
type TypedDispatcher struct {
	raw *Dispatcher[Kind, Event]
}

// NewTyped returns an empty typed dispatcher.
func NewTyped() *TypedDispatcher {
	d := &TypedDispatcher{raw: New[Kind, Event]()}
	d.raw.PanicHandler = func(_ Kind, ev Event, listener func(Event), rec interface{}) {
		if _, loop := ev.(ExceptionEvent); loop {
			return
		}
		d.Dispatch(ExceptionEvent{Event: ev, Listener: listener, Recovered: rec})
	}
	return d
}

// AddListener registers fn under kind and returns a removal function.
func (d *TypedDispatcher) AddListener(kind Kind, fn func(Event)) (remove func()) {
	return d.raw.AddListener(kind, fn)
}

// WaitFor blocks until an event dispatching under kind satisfies pred.
func (d *TypedDispatcher) WaitFor(ctx context.Context, kind Kind, pred func(Event) bool) (Event, error) {
	return d.raw.WaitFor(ctx, kind, pred)
}

// Dispatch runs ev under each of its kinds. Listeners registered under
// several of the event's kinds run once per matching kind.
func (d *TypedDispatcher) Dispatch(ev Event) *Join {
	j := new(Join)
	for _, kind := range ev.Kinds() {
		d.raw.dispatch(j, kind, ev)
	}
	return j
}
