package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventBase_RunOnceFIFO(t *testing.T) {
	b := NewEventBase()
	defer b.Close()

	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		if !b.Post(func() { got = append(got, i) }) {
			t.Fatal("Post() = false on open base")
		}
	}

	if b.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", b.Pending())
	}
	if !b.RunOnce() || len(got) != 1 {
		t.Fatalf("RunOnce dispatched %d events, want 1", len(got))
	}
	b.RunOnce()
	b.RunOnce()
	if b.RunOnce() {
		t.Error("RunOnce() = true on empty base")
	}

	for i, v := range got {
		if v != i+1 {
			t.Fatalf("dispatch order = %v", got)
		}
	}
}

func TestEventBase_PostAfterClose(t *testing.T) {
	b := NewEventBase()
	b.Post(func() {})
	b.Close()

	if b.Post(func() {}) {
		t.Error("Post() = true after Close")
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after Close, want 0", b.Pending())
	}
}

func TestEventBase_AfterFunc(t *testing.T) {
	b := NewEventBase()
	defer b.Close()

	fired := false
	b.AfterFunc(5*time.Millisecond, func() { fired = true })

	select {
	case <-b.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("timer never posted")
	}
	b.RunOnce()
	if !fired {
		t.Error("timer callback not dispatched")
	}

	stopped := b.AfterFunc(time.Hour, func() { t.Error("stopped timer fired") })
	if !stopped.Stop() {
		t.Error("Stop() = false for pending timer")
	}
	if stopped.Stop() {
		t.Error("second Stop() = true")
	}
}

func TestEventBase_WatchWaitsForDispatch(t *testing.T) {
	b := NewEventBase()
	defer b.Close()

	chunks := make(chan []byte, 3)
	chunks <- []byte("a")
	chunks <- []byte("b")
	readErr := errors.New("eof")

	read := func(ctx context.Context) ([]byte, error) {
		select {
		case c, ok := <-chunks:
			if !ok {
				return nil, readErr
			}
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var got []string
	var gotErr error
	w := b.Watch(context.Background(), read, func(p []byte) {
		got = append(got, string(p))
	}, func(err error) {
		gotErr = err
	})
	defer w.Close()

	waitPending(t, b, 1)
	time.Sleep(10 * time.Millisecond)
	if b.Pending() != 1 {
		t.Fatalf("Pending() = %d before dispatch, want 1", b.Pending())
	}

	b.RunOnce()
	waitPending(t, b, 1)
	b.RunOnce()

	close(chunks)
	waitPending(t, b, 1)
	b.RunOnce()

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("data = %v, want [a b]", got)
	}
	if !errors.Is(gotErr, readErr) {
		t.Errorf("err = %v, want %v", gotErr, readErr)
	}
}

func TestWatch_CloseSuppressesError(t *testing.T) {
	b := NewEventBase()
	defer b.Close()

	read := func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := b.Watch(context.Background(), read, func([]byte) {}, func(error) {
		t.Error("onErr called after Close")
	})
	w.Close()

	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after Close, want 0", b.Pending())
	}
}

func waitPending(t *testing.T, b *EventBase, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Pending() never reached %d", n)
		}
		time.Sleep(time.Millisecond)
	}
}
