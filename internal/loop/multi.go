package loop

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Multi runs any number of transfers concurrently and queues them for
// collection once they finish. It never calls back into user code; the
// owner drains finished transfers with InfoRead.
type Multi struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	running map[*Transfer]struct{}
	done    []*Transfer
}

// MultiOption configures a Multi.
type MultiOption func(*Multi)

// WithHTTPClient sets the client used for every transfer.
func WithHTTPClient(c *http.Client) MultiOption {
	return func(m *Multi) {
		if c != nil {
			m.client = c
		}
	}
}

// WithRateLimit limits how many transfers start per second. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) MultiOption {
	return func(m *Multi) {
		if rps <= 0 {
			m.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMultiLogger sets the logger.
func WithMultiLogger(l *slog.Logger) MultiOption {
	return func(m *Multi) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMulti creates a transfer multiplexer.
func NewMulti(opts ...MultiOption) *Multi {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multi{
		client:  http.DefaultClient,
		logger:  slog.Default(),
		ctx:     ctx,
		stop:    cancel,
		running: make(map[*Transfer]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add admits t. The transfer starts immediately on its own goroutine.
func (m *Multi) Add(t *Transfer) error {
	if t == nil {
		return fmt.Errorf("loop: nil transfer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	t.mu.Lock()
	if t.multi != nil || t.state != transferIdle {
		t.mu.Unlock()
		return ErrAlreadyAdded
	}
	ctx, cancel := context.WithCancel(m.ctx)
	t.multi = m
	t.cancel = cancel
	t.state = transferRunning
	t.mu.Unlock()

	m.running[t] = struct{}{}
	m.wg.Add(1)
	go m.perform(ctx, cancel, t)
	return nil
}

// Remove cancels t if it is still running. A cancelled transfer finishes
// with status 0 and context.Canceled and is queued for InfoRead like any
// other finished transfer, so its owner still sees it complete. A transfer
// that already finished is dropped from the queue. Removing a transfer
// that is not admitted is a no-op.
func (m *Multi) Remove(t *Transfer) {
	if t == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t.mu.Lock()
	if t.multi != m {
		t.mu.Unlock()
		return
	}
	t.multi = nil
	cancel := t.cancel
	t.mu.Unlock()

	if _, ok := m.running[t]; ok {
		delete(m.running, t)
		if cancel != nil {
			cancel()
		}
		t.finish(0, context.Canceled)
		m.done = append(m.done, t)
		return
	}

	for i, d := range m.done {
		if d == t {
			m.done = append(m.done[:i], m.done[i+1:]...)
			break
		}
	}
}

// Contains reports whether t is admitted and not yet collected.
func (m *Multi) Contains(t *Transfer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multi == m
}

// InfoRead pops at most one finished transfer. It never blocks.
func (m *Multi) InfoRead() (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.done) == 0 {
		return nil, false
	}
	t := m.done[0]
	m.done[0] = nil
	m.done = m.done[1:]

	t.mu.Lock()
	t.multi = nil
	t.mu.Unlock()
	return t, true
}

// Running returns the number of transfers still in flight.
func (m *Multi) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Queued returns the number of finished transfers not yet collected.
func (m *Multi) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.done)
}

// Close cancels every running transfer and waits for their goroutines.
func (m *Multi) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
}

func (m *Multi) perform(ctx context.Context, cancel context.CancelFunc, t *Transfer) {
	defer m.wg.Done()
	defer cancel()

	status, err := m.do(ctx, t)
	if err != nil {
		m.logger.Debug("transfer failed", "method", t.method, "url", t.url, "status", status, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[t]; !ok {
		// Removed while in flight.
		return
	}
	delete(m.running, t)
	t.finish(status, err)
	m.done = append(m.done, t)
}

func (m *Multi) do(ctx context.Context, t *Transfer) (int, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	var body io.Reader
	if t.body != nil {
		body = bytes.NewReader(t.body)
	}
	req, err := http.NewRequestWithContext(ctx, t.method, t.url, body)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header = t.header.Clone()

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(t.sink(), resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, nil
}
