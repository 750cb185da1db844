// Package loop multiplexes HTTP transfers and gateway sockets into a single
// loop that is advanced one bounded step at a time by an external driver,
// such as the UI's event loop.
package loop

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/eachlabs/ncdc/internal/ref"
)

// API is a REST handle. Callers queue transfers on it from any goroutine;
// the loop admits them during Step and hands each finished transfer back
// through Complete.
type API interface {
	ref.Counter

	// TakePending returns the transfers queued since the last call.
	TakePending() []*Transfer

	// Complete is called on the loop goroutine when t has finished.
	Complete(t *Transfer)
}

// Gateway is a push-event connection driven by the loop.
type Gateway interface {
	ref.Counter

	// Process performs one bounded unit of connection work. Sockets and
	// timers are registered with base by the gateway itself.
	Process(base *EventBase)
}

// Loop ties one Multi and one EventBase together with the set of API and
// gateway handles they serve. A Loop owns no goroutine; it must not be
// stepped from two goroutines at once.
type Loop struct {
	base      *EventBase
	ownsBase  bool
	multi     *Multi
	ownsMulti bool
	logger    *slog.Logger
	multiOpts []MultiOption

	mu       sync.Mutex
	apis     []API
	gateways []Gateway
	aborted  bool
	closed   bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithMultiOptions configures the multiplexer the loop allocates when
// none is supplied.
func WithMultiOptions(opts ...MultiOption) Option {
	return func(lp *Loop) {
		lp.multiOpts = append(lp.multiOpts, opts...)
	}
}

// New creates a loop that owns both its multiplexer and its event base.
func New(opts ...Option) *Loop {
	return NewFull(nil, nil, opts...)
}

// NewFull creates a loop around an existing event base and multiplexer.
// Either may be nil, in which case the loop allocates its own and closes
// it in Close. Supplied resources are never closed by the loop.
func NewFull(base *EventBase, multi *Multi, opts ...Option) *Loop {
	l := &Loop{
		base:   base,
		multi:  multi,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.base == nil {
		l.base = NewEventBase()
		l.ownsBase = true
	}
	if l.multi == nil {
		opts := append([]MultiOption{WithMultiLogger(l.logger)}, l.multiOpts...)
		l.multi = NewMulti(opts...)
		l.ownsMulti = true
	}
	return l
}

// Multi returns the transfer multiplexer.
func (l *Loop) Multi() *Multi { return l.multi }

// EventBase returns the event reactor.
func (l *Loop) EventBase() *EventBase { return l.base }

// AddAPI registers a. Adding a handle that is already registered is a
// no-op.
func (l *Loop) AddAPI(a API) {
	if a == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || slices.Contains(l.apis, a) {
		return
	}
	a.Ref()
	l.apis = append(l.apis, a)
}

// RemoveAPI unregisters a. Transfers already admitted for it still
// complete; removing an unknown handle is a no-op.
func (l *Loop) RemoveAPI(a API) {
	l.mu.Lock()
	i := slices.Index(l.apis, a)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	l.apis = slices.Delete(l.apis, i, i+1)
	l.mu.Unlock()

	a.Unref()
}

// AddGateway registers g. Adding a handle that is already registered is a
// no-op.
func (l *Loop) AddGateway(g Gateway) {
	if g == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || slices.Contains(l.gateways, g) {
		return
	}
	g.Ref()
	l.gateways = append(l.gateways, g)
}

// RemoveGateway unregisters g. Removing an unknown handle is a no-op.
func (l *Loop) RemoveGateway(g Gateway) {
	l.mu.Lock()
	i := slices.Index(l.gateways, g)
	if i < 0 {
		l.mu.Unlock()
		return
	}
	l.gateways = slices.Delete(l.gateways, i, i+1)
	l.mu.Unlock()

	g.Unref()
}

// APIs returns the number of registered API handles.
func (l *Loop) APIs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.apis)
}

// Gateways returns the number of registered gateway handles.
func (l *Loop) Gateways() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gateways)
}

// Step performs one bounded unit of work: it admits transfers queued on
// registered APIs, dispatches at most one ready event, lets each gateway
// do one unit of work and completes at most one finished transfer.
//
// Step returns false once the loop has been aborted and everything that
// was already admitted has drained.
func (l *Loop) Step() bool {
	l.mu.Lock()
	apis := slices.Clone(l.apis)
	gateways := slices.Clone(l.gateways)
	aborted := l.aborted
	for _, a := range apis {
		a.Ref()
	}
	for _, g := range gateways {
		g.Ref()
	}
	l.mu.Unlock()

	defer func() {
		for _, a := range apis {
			a.Unref()
		}
		for _, g := range gateways {
			g.Unref()
		}
	}()

	for _, a := range apis {
		for _, t := range a.TakePending() {
			if aborted {
				t.Fail(ErrAborted)
				a.Complete(t)
				continue
			}
			l.admit(a, t)
		}
	}

	l.base.RunOnce()

	if !aborted {
		for _, g := range gateways {
			g.Process(l.base)
		}
	}

	if t, ok := l.multi.InfoRead(); ok {
		l.complete(t)
	}

	if aborted {
		return l.multi.Running() > 0 || l.multi.Queued() > 0 || l.base.Pending() > 0
	}
	return true
}

// Abort stops the loop from taking on new work. Transfers already
// admitted still complete on later steps.
func (l *Loop) Abort() {
	l.mu.Lock()
	l.aborted = true
	l.mu.Unlock()
	l.logger.Debug("loop aborted")
}

// Aborted reports whether Abort was called.
func (l *Loop) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Close aborts the loop, releases every registered handle and closes the
// resources the loop allocated itself.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.aborted = true
	apis := l.apis
	gateways := l.gateways
	l.apis = nil
	l.gateways = nil
	l.mu.Unlock()

	for _, g := range gateways {
		g.Unref()
	}

	if l.ownsMulti {
		// Cancelled transfers still land in the completion queue; hand
		// them back so waiters wake and owners are released.
		l.multi.Close()
		for t, ok := l.multi.InfoRead(); ok; t, ok = l.multi.InfoRead() {
			l.complete(t)
		}
	}

	for _, a := range apis {
		a.Unref()
	}

	if l.ownsBase {
		l.base.Close()
	}
}

func (l *Loop) admit(a API, t *Transfer) {
	// The transfer keeps its owner alive until Complete has run, even if
	// the owner is removed from the loop in the meantime.
	a.Ref()
	t.setOwner(a)

	if err := l.multi.Add(t); err != nil {
		l.logger.Debug("transfer not admitted", "url", t.URL(), "error", err)
		t.Fail(err)
		a.Complete(t)
		a.Unref()
	}
}

func (l *Loop) complete(t *Transfer) {
	owner := t.Owner()
	if owner == nil {
		l.logger.Debug("finished transfer has no owner", "url", t.URL(), "status", t.Status())
		return
	}
	owner.Complete(t)
	owner.Unref()
}
