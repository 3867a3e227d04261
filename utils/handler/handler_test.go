package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestDispatchFanOut(t *testing.T) {
	d := New[int, string]()

	var mu sync.Mutex
	var got []string

	d.AddListener(1, func(v string) {
		mu.Lock()
		got = append(got, "a:"+v)
		mu.Unlock()
	})
	d.AddListener(1, func(v string) {
		mu.Lock()
		got = append(got, "b:"+v)
		mu.Unlock()
	})
	d.AddListener(2, func(v string) {
		t.Error("listener under wrong key called with", v)
	})

	d.Dispatch(1, "x").Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatal("got", got)
	}
}

func TestDispatchHandlers(t *testing.T) {
	d := New[int, string]()

	type seen struct {
		key int
		val string
	}
	ch := make(chan seen, 4)

	d.AddHandler(func(k int, v string) {
		ch <- seen{k, v}
	})

	d.Dispatch(1, "x").Wait()
	d.Dispatch(2, "y").Wait()

	for _, want := range []seen{{1, "x"}, {2, "y"}} {
		if got := <-ch; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestRemoveListener(t *testing.T) {
	d := New[int, string]()

	rm := d.AddListener(1, func(v string) {
		t.Error("removed listener called")
	})
	rm()

	d.Dispatch(1, "x").Wait()
}

func TestDispatchEmpty(t *testing.T) {
	d := New[int, string]()
	// Nothing registered: the join is already complete.
	d.Dispatch(1, "x").Wait()
}

func TestWaitFor(t *testing.T) {
	d := New[int, int]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Dispatch(1, 5)
		d.Dispatch(1, 10)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := d.WaitFor(ctx, 1, func(v int) bool { return v >= 10 })
	if err != nil {
		t.Fatal("wait:", err)
	}
	if got != 10 {
		t.Error("got", got)
	}
}

func TestWaitForIsOneShot(t *testing.T) {
	d := New[int, int]()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.WaitFor(ctx, 1, nil); err != nil {
			t.Error("wait:", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	d.Dispatch(1, 1)
	<-done

	// The waiter was consumed; this dispatch has nobody to resolve.
	d.Dispatch(1, 2).Wait()
}

func TestWaitForTimeout(t *testing.T) {
	d := New[int, int]()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := d.WaitFor(ctx, 1, nil); err != context.DeadlineExceeded {
		t.Fatal("expected DeadlineExceeded, got", err)
	}

	// The expired waiter must be deregistered.
	d.Dispatch(1, 1).Wait()
}

func TestWaitForCancel(t *testing.T) {
	d := New[int, int]()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.WaitFor(ctx, 1, nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; err != context.Canceled {
		t.Fatal("expected Canceled, got", err)
	}
}

func TestWaitForPredicatePanic(t *testing.T) {
	d := New[int, int]()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := d.WaitFor(ctx, 1, func(int) bool { panic("boom") })
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.Dispatch(1, 1)

	if err := <-errCh; !errors.Is(err, ErrWaiterFailed) {
		t.Fatal("expected ErrWaiterFailed, got", err)
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	d := New[int, string]()

	panicked := make(chan interface{}, 1)
	d.PanicHandler = func(_ int, _ string, listener func(string), rec interface{}) {
		if listener == nil {
			t.Error("panic handler got no listener")
		}
		panicked <- rec
	}

	survived := make(chan struct{}, 1)
	d.AddListener(1, func(string) { panic("boom") })
	d.AddListener(1, func(string) { survived <- struct{}{} })

	d.Dispatch(1, "x").Wait()

	select {
	case rec := <-panicked:
		if rec != "boom" {
			t.Error("recovered", rec)
		}
	default:
		t.Error("panic handler not called")
	}

	select {
	case <-survived:
	default:
		t.Error("sibling listener did not run")
	}
}

func TestListenerPanicDefaultLog(t *testing.T) {
	prev := PanicLog
	defer func() { PanicLog = prev }()

	logged := make(chan interface{}, 1)
	PanicLog = func(rec interface{}) { logged <- rec }

	d := New[int, string]()
	d.AddListener(1, func(string) { panic("boom") })

	d.Dispatch(1, "x").Wait()

	select {
	case rec := <-logged:
		if rec != "boom" {
			t.Error("logged", rec)
		}
	default:
		t.Error("panic without a PanicHandler was not logged")
	}
}
