package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eachlabs/ncdc/internal/config"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("NCDC_STATE_DIR", t.TempDir())
	return &config.Config{
		Account: config.AccountConfig{Token: "tok"},
		API: config.APIConfig{
			BaseURL: baseURL,
			Timeout: "5s",
		},
		Gateway: config.GatewayConfig{ReconnectDelay: "10ms"},
		UI:      config.UIConfig{Keymap: "emacs"},
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":0,"message":"401: Unauthorized"}`)
			return
		}
		fmt.Fprint(w, `{"id":"80351110224678912","username":"nelly","discriminator":"1337"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New(nil) succeeded")
	}

	cfg := testConfig(t, "not a url")
	if _, err := New(cfg, nil); err == nil {
		t.Error("invalid base url accepted")
	}

	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.API.Timeout = "soon"
	if _, err := New(cfg, nil); err == nil {
		t.Error("invalid timeout accepted")
	}
}

func TestContext_RunIdentify(t *testing.T) {
	srv := newServer(t)
	c, err := New(testConfig(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.Loop().APIs() != 1 {
		t.Fatalf("APIs() = %d, want the primary client registered", c.Loop().APIs())
	}

	s, err := c.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if c.Current() != s {
		t.Error("first session is not current")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Run(ctx, s.Identify); err != nil {
		t.Fatalf("Run(Identify): %v", err)
	}
	if self := s.Self(); self == nil || self.Username() != "nelly" {
		t.Fatalf("Self() = %v", self)
	}
}

func TestContext_Sessions(t *testing.T) {
	c, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	first, err := c.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	second, err := c.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if got := len(c.Sessions()); got != 2 {
		t.Fatalf("Sessions() = %d, want 2", got)
	}
	if c.Loop().APIs() != 2 {
		t.Errorf("APIs() = %d, want a client per session", c.Loop().APIs())
	}

	second.SetToken("other")
	if first.Token() != "tok" {
		t.Errorf("sessions share a token: %q", first.Token())
	}

	c.SetCurrent(second)
	if c.Current() != second {
		t.Error("SetCurrent did not switch")
	}
	c.SetCurrent(nil)
	if c.Current() != second {
		t.Error("SetCurrent accepted an unknown session")
	}
}

func TestContext_Close(t *testing.T) {
	c, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.NewSession(); err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	c.Close()
	c.Close()

	if len(c.Sessions()) != 0 || c.Current() != nil {
		t.Error("sessions survive Close")
	}
	if c.Loop().APIs() != 0 {
		t.Errorf("APIs() = %d after Close", c.Loop().APIs())
	}
	if _, err := c.NewSession(); !errors.Is(err, ErrClosed) {
		t.Errorf("NewSession after Close = %v, want ErrClosed", err)
	}
	if c.StepN(1) {
		t.Error("closed loop still steps")
	}
}

func TestDrive_StopsOnContext(t *testing.T) {
	c, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Drive(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drive() = %v, want deadline exceeded", err)
	}
}

func TestDrive_StopsWhenDrained(t *testing.T) {
	c, err := New(testConfig(t, "http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.Loop().Abort()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Drive(ctx, 0); err != nil {
		t.Errorf("Drive() after abort = %v, want nil", err)
	}
}
