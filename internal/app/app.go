// Package app owns the long-lived objects of a running client: the loop,
// the REST clients registered with it and the sessions built on them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eachlabs/ncdc/internal/api"
	"github.com/eachlabs/ncdc/internal/config"
	"github.com/eachlabs/ncdc/internal/loop"
	"github.com/eachlabs/ncdc/internal/session"
)

const (
	// DefaultInterval is how often Drive wakes up when nothing is posted.
	DefaultInterval = 10 * time.Millisecond

	// StepsPerTick bounds the work done per wake-up.
	StepsPerTick = 64
)

var ErrClosed = errors.New("app: context closed")

// Context is the application context. It replaces process-wide globals:
// everything that used to be reachable from anywhere hangs off one value
// that is passed explicitly.
type Context struct {
	cfg    *config.Config
	logger *slog.Logger
	loop   *loop.Loop

	mu       sync.Mutex
	primary  *api.Client
	claimed  bool
	clients  []*api.Client
	sessions []*session.Session
	current  *session.Session
	closed   bool
}

// New builds the loop, creates the primary API client and registers it.
func New(cfg *config.Config, logger *slog.Logger) (*Context, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout, err := cfg.APITimeout()
	if err != nil {
		return nil, err
	}

	c := &Context{
		cfg:    cfg,
		logger: logger,
		loop: loop.New(
			loop.WithLogger(logger.With("component", "loop")),
			loop.WithMultiOptions(
				loop.WithHTTPClient(&http.Client{Timeout: timeout}),
				loop.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
			),
		),
	}

	primary, err := c.newClient()
	if err != nil {
		c.loop.Close()
		return nil, err
	}
	c.primary = primary
	return c, nil
}

// Config returns the configuration the context was built from.
func (c *Context) Config() *config.Config { return c.cfg }

// Logger returns the application logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Loop returns the loop.
func (c *Context) Loop() *loop.Loop { return c.loop }

// API returns the primary REST client.
func (c *Context) API() *api.Client { return c.primary }

func (c *Context) newClient() (*api.Client, error) {
	client, err := api.New(api.Config{
		BaseURL:   c.cfg.API.BaseURL,
		Token:     c.cfg.Account.Token,
		UserAgent: c.cfg.API.UserAgent,
		Multi:     c.loop.Multi(),
		Logger:    c.logger.With("component", "api"),
	})
	if err != nil {
		return nil, err
	}
	c.loop.AddAPI(client)
	c.clients = append(c.clients, client)
	return client, nil
}

// NewSession creates a session. The first session uses the primary
// client; later ones get a client of their own. The first session created
// becomes the current one.
func (c *Context) NewSession() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	client := c.primary
	if c.claimed {
		var err error
		if client, err = c.newClient(); err != nil {
			return nil, err
		}
	}

	delay, err := c.cfg.ReconnectDelay()
	if err != nil {
		return nil, err
	}

	s, err := session.New(session.Config{
		API:            client,
		Loop:           c.loop,
		GatewayURL:     c.cfg.Gateway.URL,
		ReconnectDelay: delay,
		StateDir:       config.SessionsDir(),
		Logger:         c.logger.With("component", "session"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	c.claimed = true
	c.sessions = append(c.sessions, s)
	if c.current == nil {
		c.current = s
	}
	return s, nil
}

// Sessions returns every open session.
func (c *Context) Sessions() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*session.Session(nil), c.sessions...)
}

// Current returns the session the UI is showing.
func (c *Context) Current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetCurrent switches the current session. Sessions that were not created
// by this context are ignored.
func (c *Context) SetCurrent(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, known := range c.sessions {
		if known == s {
			c.current = s
			return
		}
	}
}

// StepN steps the loop at most n times. It returns false once the loop
// has drained after an abort.
func (c *Context) StepN(n int) bool {
	for i := 0; i < n; i++ {
		if !c.loop.Step() {
			return false
		}
	}
	return true
}

// Drive steps the loop until ctx ends or the loop finishes. It wakes up
// every interval, or sooner when an event is posted.
func (c *Context) Drive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := c.loop.EventBase().Wake()
	for {
		if !c.StepN(StepsPerTick) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Run calls fn while the loop is driven on the calling goroutine. It is
// how one-shot commands make blocking API calls.
func (c *Context) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- fn(ctx)
	}()

	driveErr := c.Drive(ctx, DefaultInterval)
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if driveErr != nil && !errors.Is(driveErr, context.Canceled) {
		return driveErr
	}
	return nil
}

// Close tears everything down in reverse order of construction: sessions,
// then API clients, then the loop.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	clients := c.clients
	c.sessions = nil
	c.clients = nil
	c.current = nil
	c.mu.Unlock()

	for i := len(sessions) - 1; i >= 0; i-- {
		sessions[i].Close()
	}
	for i := len(clients) - 1; i >= 0; i-- {
		c.loop.RemoveAPI(clients[i])
		clients[i].Unref()
	}

	c.loop.Close()
}
