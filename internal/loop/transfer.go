package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
)

var (
	// ErrClosed is returned when admitting into a closed multiplexer.
	ErrClosed = errors.New("loop: multiplexer closed")
	// ErrAlreadyAdded is returned when a transfer is admitted twice.
	ErrAlreadyAdded = errors.New("loop: transfer already admitted")
	// ErrAborted finishes transfers that were queued but never admitted
	// because the loop was aborted.
	ErrAborted = errors.New("loop: aborted")
)

type transferState int

const (
	transferIdle transferState = iota
	transferRunning
	transferDone
)

// Transfer is one outbound HTTP request/response pair. It is built by the
// caller, admitted into a Multi, and reported back through InfoRead once
// finished.
type Transfer struct {
	method string
	url    string
	body   []byte
	header http.Header

	mu      sync.Mutex
	output  io.Writer
	private any
	owner   API
	multi   *Multi
	cancel  context.CancelFunc
	state   transferState
	status  int
	err     error
}

// NewTransfer creates a transfer for method and rawURL. body may be nil.
func NewTransfer(method, rawURL string, body []byte) (*Transfer, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("loop: invalid transfer url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("loop: transfer url %q is not absolute", rawURL)
	}
	return &Transfer{
		method: method,
		url:    rawURL,
		body:   body,
		header: make(http.Header),
	}, nil
}

// Method returns the request method.
func (t *Transfer) Method() string { return t.method }

// URL returns the request URL.
func (t *Transfer) URL() string { return t.url }

// Header returns the request header list. Modify it before admission.
func (t *Transfer) Header() http.Header { return t.header }

// SetOutput installs the sink the response body is streamed into.
func (t *Transfer) SetOutput(w io.Writer) {
	t.mu.Lock()
	t.output = w
	t.mu.Unlock()
}

// SetPrivate associates a context value with the transfer. The loop and
// its collaborators use it to find the object that owns the result.
func (t *Transfer) SetPrivate(v any) {
	t.mu.Lock()
	t.private = v
	t.mu.Unlock()
}

// Private returns the value set with SetPrivate.
func (t *Transfer) Private() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.private
}

// Owner returns the API handle the transfer was admitted for, if any.
func (t *Transfer) Owner() API {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func (t *Transfer) setOwner(a API) {
	t.mu.Lock()
	t.owner = a
	t.mu.Unlock()
}

// Status returns the HTTP status code, or 0 if no response was received.
func (t *Transfer) Status() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the failure cause, if the transfer did not complete cleanly.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done reports whether the transfer reached a terminal state.
func (t *Transfer) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transferDone
}

func (t *Transfer) sink() io.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.output == nil {
		return io.Discard
	}
	return t.output
}

func (t *Transfer) finish(status int, err error) {
	t.mu.Lock()
	t.state = transferDone
	t.status = status
	t.err = err
	t.cancel = nil
	t.mu.Unlock()
}

// Fail marks a transfer that was never admitted as finished with err.
func (t *Transfer) Fail(err error) {
	t.finish(0, err)
}
