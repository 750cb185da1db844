// Package apisync lets a caller block on the completion of a transfer that
// is driven by the loop on another goroutine.
package apisync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/eachlabs/ncdc/internal/loop"
	"github.com/eachlabs/ncdc/internal/ref"
)

// ErrStreamClosed is returned by writes after Finish.
var ErrStreamClosed = errors.New("apisync: stream closed")

// Sync wraps one transfer. The transfer streams its response body into
// the bridge; the loop calls Finish once the transfer is done, waking
// every goroutine blocked in Wait.
type Sync struct {
	ref.Refable

	multi    *loop.Multi
	transfer *loop.Transfer
	stream   *stream

	mu       sync.Mutex
	done     chan struct{}
	finished bool
	code     int
}

// New creates a bridge for t. multi is the multiplexer t is (or will be)
// admitted into and may be nil. The bridge installs itself as the
// transfer's body sink and private value. The caller owns the returned
// reference.
func New(multi *loop.Multi, t *loop.Transfer) (*Sync, error) {
	if t == nil {
		return nil, errors.New("apisync: nil transfer")
	}

	s := &Sync{
		multi:    multi,
		transfer: t,
		stream:   &stream{},
		done:     make(chan struct{}),
	}
	s.Init(s.release)

	t.SetOutput(s.stream)
	t.SetPrivate(s)
	return s, nil
}

// FromTransfer returns the bridge installed on t, if any.
func FromTransfer(t *loop.Transfer) (*Sync, bool) {
	if t == nil {
		return nil, false
	}
	s, ok := t.Private().(*Sync)
	return s, ok
}

// Header returns the request header list. Add headers before the transfer
// is queued.
func (s *Sync) Header() http.Header { return s.transfer.Header() }

// Transfer returns the wrapped transfer.
func (s *Sync) Transfer() *loop.Transfer { return s.transfer }

// Stream returns the sink the response body is written into.
func (s *Sync) Stream() io.Writer { return s.stream }

// Data returns a copy of the body received so far. It is final once
// Finished reports true.
func (s *Sync) Data() []byte { return s.stream.bytes() }

// Len returns the number of body bytes received so far.
func (s *Sync) Len() int { return s.stream.len() }

// Code returns the terminal status code, or 0 before Finish.
func (s *Sync) Code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Finished reports whether Finish has been called.
func (s *Sync) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Done returns a channel that is closed by Finish.
func (s *Sync) Done() <-chan struct{} { return s.done }

// Wait blocks until Finish has been called or ctx is done. It reports
// whether termination was observed.
func (s *Sync) Wait(ctx context.Context) bool {
	if s == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		finished := s.finished
		s.mu.Unlock()
		if finished {
			return true
		}

		select {
		case <-s.done:
		case <-ctx.Done():
			return s.Finished()
		}
	}
}

// Finish records code, closes the stream and wakes all waiters. Only the
// first call has any effect.
func (s *Sync) Finish(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.code = code
	s.stream.close()
	s.finished = true
	close(s.done)
}

func (s *Sync) release() {
	if s.multi != nil && s.multi.Contains(s.transfer) {
		s.multi.Remove(s.transfer)
	}
	s.stream.close()
}

// stream is an append-only in-memory body sink.
type stream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *stream) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStreamClosed
	}
	return w.buf.Write(p)
}

func (w *stream) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *stream) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

func (w *stream) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}
