package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventBase is the event-driven half of the loop: sockets and timers post
// ready events from their own goroutines, and RunOnce dispatches them one
// at a time on the goroutine that drives the loop.
type EventBase struct {
	mu     sync.Mutex
	ready  []func()
	timers map[*Timer]struct{}
	closed bool
	wake   chan struct{}
}

// NewEventBase creates an empty event base.
func NewEventBase() *EventBase {
	return &EventBase{
		timers: make(map[*Timer]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn as a ready event. It is safe to call from any goroutine
// and reports false once the base is closed.
func (b *EventBase) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.ready = append(b.ready, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// RunOnce dispatches at most one ready event and reports whether it did.
func (b *EventBase) RunOnce() bool {
	b.mu.Lock()
	if len(b.ready) == 0 {
		b.mu.Unlock()
		return false
	}
	fn := b.ready[0]
	b.ready[0] = nil
	b.ready = b.ready[1:]
	b.mu.Unlock()

	fn()
	return true
}

// Pending returns the number of ready events.
func (b *EventBase) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready)
}

// Wake returns a channel that receives after an event is posted. Drivers
// can select on it instead of polling.
func (b *EventBase) Wake() <-chan struct{} {
	return b.wake
}

// Close stops every timer and drops queued events.
func (b *EventBase) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.ready = nil
	timers := b.timers
	b.timers = nil
	b.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
}

// Timer is a scheduled event on an EventBase.
type Timer struct {
	base    *EventBase
	timer   *time.Timer
	stopped atomic.Bool
}

// AfterFunc posts fn as a ready event once d has elapsed.
func (b *EventBase) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{base: b}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		t.stopped.Store(true)
		return t
	}
	b.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		b.forget(t)
		if t.stopped.Load() {
			return
		}
		b.Post(fn)
	})
	b.mu.Unlock()
	return t
}

// Stop cancels the timer. It reports true if the timer had not fired yet.
func (t *Timer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	if t.timer == nil {
		return false
	}
	t.base.forget(t)
	return t.timer.Stop()
}

func (b *EventBase) forget(t *Timer) {
	b.mu.Lock()
	if b.timers != nil {
		delete(b.timers, t)
	}
	b.mu.Unlock()
}

// ReadFunc blocks until the next chunk of data arrives on a socket.
type ReadFunc func(ctx context.Context) ([]byte, error)

// Watch is a socket registered with an EventBase.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch registers a socket. Each successful read becomes one ready event
// that calls onData; the next read starts only after that event has been
// dispatched. A read error is delivered once through onErr, unless the
// watch was closed first.
func (b *EventBase) Watch(ctx context.Context, read ReadFunc, onData func([]byte), onErr func(error)) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		for {
			data, err := read(ctx)
			if err != nil {
				if ctx.Err() == nil && onErr != nil {
					b.Post(func() { onErr(err) })
				}
				return
			}

			dispatched := make(chan struct{})
			if !b.Post(func() {
				defer close(dispatched)
				onData(data)
			}) {
				return
			}

			select {
			case <-dispatched:
			case <-ctx.Done():
				return
			}
		}
	}()

	return w
}

// Close stops the watch and waits for its reader to exit. The read
// function must return once its context is cancelled.
func (w *Watch) Close() {
	w.cancel()
	<-w.done
}
