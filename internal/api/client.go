// Package api is the REST side of the chat service. A Client is a loop
// API handle: requests are queued on it from any goroutine and performed
// by the loop, and callers block on the returned sync bridge.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/eachlabs/ncdc/internal/apisync"
	"github.com/eachlabs/ncdc/internal/loop"
	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL   = "https://discord.com/api/v9"
	DefaultUserAgent = "ncdc (https://github.com/eachlabs/ncdc, dev)"
)

// Config holds client settings.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string

	// Multi is the multiplexer the loop admits this client's transfers
	// into. Bridges released early use it to cancel their transfer.
	Multi *loop.Multi

	Logger *slog.Logger
}

// Client queues REST requests for the loop.
type Client struct {
	ref.Refable

	base      *url.URL
	userAgent string
	multi     *loop.Multi
	logger    *slog.Logger

	mu      sync.Mutex
	token   string
	pending []*loop.Transfer
	closed  bool
}

// New creates a client. The caller owns the returned reference.
func New(cfg Config) (*Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: not absolute", raw)
	}

	c := &Client{
		base:      base,
		userAgent: cfg.UserAgent,
		multi:     cfg.Multi,
		logger:    cfg.Logger,
		token:     cfg.Token,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.Init(c.release)
	return c, nil
}

// Token returns the authentication token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken replaces the authentication token used for new requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Do queues a request and returns its bridge. body, if not nil, is sent
// as JSON. The caller owns the returned reference and must Unref it.
func (c *Client) Do(method, path string, body any) (*apisync.Sync, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	t, err := loop.NewTransfer(method, c.endpoint(path), payload)
	if err != nil {
		return nil, err
	}
	s, err := apisync.New(c.multi, t)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		s.Unref()
		return nil, loop.ErrClosed
	}

	h := s.Header()
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", "application/json")
	if payload != nil {
		h.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		h.Set("Authorization", c.token)
	}

	// The queue owns a reference until the loop hands the transfer back.
	s.Ref()
	c.pending = append(c.pending, t)

	c.logger.Debug("api request queued", "method", method, "path", path)
	return s, nil
}

// Call performs a request and decodes a successful JSON response into
// out, which may be nil.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	data, err := c.fetch(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, method, path string, body any) ([]byte, error) {
	s, err := c.Do(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer s.Unref()

	if !s.Wait(ctx) {
		return nil, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
	}

	code := s.Code()
	if code == 0 {
		cause := s.Transfer().Err()
		if cause == nil {
			cause = errors.New("no response")
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, cause)
	}
	if code < 200 || code > 299 {
		return nil, newError(code, s.Data())
	}
	return s.Data(), nil
}

// TakePending hands queued transfers to the loop.
func (c *Client) TakePending() []*loop.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// Complete finishes the bridge of a transfer the loop is done with.
func (c *Client) Complete(t *loop.Transfer) {
	s, ok := apisync.FromTransfer(t)
	if !ok {
		return
	}
	if err := t.Err(); err != nil {
		c.logger.Debug("api request failed", "method", t.Method(), "url", t.URL(), "error", err)
	} else {
		c.logger.Debug("api request done", "method", t.Method(), "url", t.URL(), "status", t.Status())
	}
	s.Finish(t.Status())
	s.Unref()
}

func (c *Client) release() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, t := range pending {
		t.Fail(loop.ErrClosed)
		c.Complete(t)
	}
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	p, q, _ := strings.Cut(path, "?")
	u.Path = c.base.Path + "/" + strings.TrimLeft(p, "/")
	u.RawQuery = q
	return u.String()
}

// Error is a non-2xx response from the service.
type Error struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	if e.Code != 0 {
		return fmt.Sprintf("api error: status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

func newError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		e.Code = int(r.Get("code").Int())
		e.Message = r.Get("message").String()
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// IsError reports whether err is an *Error with the given HTTP status.
func IsError(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}
