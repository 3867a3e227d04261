package handler

import (
	"context"
	"testing"
	"time"
)

const kindPing Kind = "ping"

type pingEvent struct {
	N int
}

func (pingEvent) Kinds() []Kind {
	return []Kind{kindPing, KindAny}
}

func TestTypedHierarchy(t *testing.T) {
	d := NewTyped()

	specific := make(chan Event, 1)
	root := make(chan Event, 1)

	d.AddListener(kindPing, func(ev Event) { specific <- ev })
	d.AddListener(KindAny, func(ev Event) { root <- ev })

	d.Dispatch(pingEvent{N: 1}).Wait()

	for name, ch := range map[string]chan Event{"specific": specific, "root": root} {
		select {
		case ev := <-ch:
			if ping, ok := ev.(pingEvent); !ok || ping.N != 1 {
				t.Errorf("%s listener got %#v", name, ev)
			}
		default:
			t.Errorf("%s listener not called", name)
		}
	}
}

func TestTypedWaitFor(t *testing.T) {
	d := NewTyped()

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Dispatch(pingEvent{N: 1})
		d.Dispatch(pingEvent{N: 2})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := d.WaitFor(ctx, kindPing, func(ev Event) bool {
		return ev.(pingEvent).N == 2
	})
	if err != nil {
		t.Fatal("wait:", err)
	}
	if ev.(pingEvent).N != 2 {
		t.Error("got", ev)
	}
}

func TestTypedListenerPanicDispatchesException(t *testing.T) {
	d := NewTyped()

	excs := make(chan ExceptionEvent, 1)
	d.AddListener(KindException, func(ev Event) {
		excs <- ev.(ExceptionEvent)
	})
	d.AddListener(kindPing, func(Event) { panic("boom") })

	d.Dispatch(pingEvent{N: 7}).Wait()

	select {
	case exc := <-excs:
		if exc.Recovered != "boom" {
			t.Error("recovered", exc.Recovered)
		}
		if ping, ok := exc.Event.(pingEvent); !ok || ping.N != 7 {
			t.Errorf("exception carries %#v", exc.Event)
		}
		if exc.Listener == nil {
			t.Error("exception does not carry the failing listener")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ExceptionEvent dispatched")
	}
}

func TestTypedExceptionLoopGuard(t *testing.T) {
	d := NewTyped()

	calls := make(chan struct{}, 16)
	d.AddListener(KindException, func(Event) {
		calls <- struct{}{}
		panic("boom again")
	})
	d.AddListener(kindPing, func(Event) { panic("boom") })

	d.Dispatch(pingEvent{}).Wait()
	time.Sleep(100 * time.Millisecond)

	if n := len(calls); n != 1 {
		t.Fatal("exception listener ran", n, "times")
	}
}
