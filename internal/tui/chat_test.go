package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/eachlabs/ncdc/internal/app"
	"github.com/eachlabs/ncdc/internal/config"
	"github.com/eachlabs/ncdc/internal/gateway"
)

const readyPayload = `{
	"session_id": "s1",
	"user": {"id": "1", "username": "me", "discriminator": "0"},
	"private_channels": [
		{"id": "20", "type": 1, "last_message_id": "500", "recipients": [{"id": "2", "username": "alice"}]}
	],
	"guilds": [
		{"id": "30", "name": "gophers", "channels": [
			{"id": "31", "type": 0, "name": "general", "position": 0},
			{"id": "32", "type": 0, "name": "bikeshed", "position": 1}
		]}
	]
}`

type fakeServer struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/channels/31/messages":
		if r.URL.Query().Get("before") != "" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[
			{"id": "1002", "channel_id": "31", "author": {"id": "2", "username": "alice"}, "content": "second", "timestamp": "2024-01-02T10:01:00Z"},
			{"id": "1001", "channel_id": "31", "author": {"id": "2", "username": "alice"}, "content": "hello there", "timestamp": "2024-01-02T10:00:00Z"}
		]`)
	case r.Method == http.MethodPost && r.URL.Path == "/channels/31/messages":
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		f.posts = append(f.posts, req.Content)
		f.mu.Unlock()
		fmt.Fprintf(w, `{"id": "1003", "channel_id": "31", "author": {"id": "1", "username": "me"}, "content": %q, "timestamp": "2024-01-02T10:02:00Z"}`, req.Content)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code": 10003, "message": "Unknown Channel"}`)
	}
}

func (f *fakeServer) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func newTestModel(t *testing.T) (*Model, *app.Context, *fakeServer) {
	t.Helper()
	return newTestModelWith(t, nil)
}

func newTestModelWith(t *testing.T, configure func(*config.Config)) (*Model, *app.Context, *fakeServer) {
	t.Helper()
	t.Setenv("NCDC_STATE_DIR", t.TempDir())

	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Account: config.AccountConfig{Token: "tok"},
		API:     config.APIConfig{BaseURL: srv.URL, Timeout: "5s"},
		UI:      config.UIConfig{Keymap: "emacs", HistoryLimit: 10},
	}
	if configure != nil {
		configure(cfg)
	}
	c, err := app.New(cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(c.Close)

	s, err := c.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.HandleEvent(gateway.Event{Type: "READY", Data: json.RawMessage(readyPayload)})

	m, err := NewModel(c, s)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m.channels = s.Channels()
	return m, c, fake
}

// run executes cmd on its own goroutine while stepping the loop, the way
// the tick message does in the running program.
func run(t *testing.T, c *app.Context, cmd tea.Cmd) tea.Msg {
	t.Helper()
	if cmd == nil {
		t.Fatal("nil command")
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-done:
			if batch, ok := msg.(tea.BatchMsg); ok {
				for _, sub := range batch {
					if sub != nil {
						return run(t, c, sub)
					}
				}
				return nil
			}
			return msg
		case <-deadline:
			t.Fatal("command did not finish")
		default:
			c.StepN(1)
			time.Sleep(time.Millisecond)
		}
	}
}

func typeLine(m *Model, line string) tea.Cmd {
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestSubmit_Errors(t *testing.T) {
	m, _, _ := newTestModel(t)

	tests := []struct {
		line string
		want string
	}{
		{"hello", "no channel open"},
		{"/read", "no channel open"},
		{"/history", "no channel open"},
		{"/join", "usage"},
		{"/join zzzzqqq", "no channel matches"},
		{"/frobnicate", "unknown command /frobnicate"},
	}
	for _, tt := range tests {
		cmd, quit := m.submit(tt.line)
		if cmd != nil || quit {
			t.Errorf("submit(%q) = %v, %v", tt.line, cmd != nil, quit)
		}
		if m.err == nil || !strings.Contains(m.err.Error(), tt.want) {
			t.Errorf("submit(%q) err = %v, want %q", tt.line, m.err, tt.want)
		}
	}
}

func TestSubmit_HelpAndQuit(t *testing.T) {
	m, _, _ := newTestModel(t)

	if _, quit := m.submit("/help"); quit || !m.showHelp {
		t.Error("/help did not show help")
	}
	if !strings.Contains(m.viewport.View(), "/join") {
		t.Error("help text not in viewport")
	}
	if _, quit := m.submit("/quit"); !quit {
		t.Error("/quit did not quit")
	}
}

func TestJoin_LoadsHistory(t *testing.T) {
	m, c, _ := newTestModel(t)

	cmd, _ := m.submit("/join gnrl")
	if m.current == nil || m.current.Name() != "general" {
		t.Fatalf("current = %v, want general", m.current)
	}

	msg := run(t, c, cmd)
	hm, ok := msg.(historyMsg)
	if !ok {
		t.Fatalf("msg = %T, want historyMsg", msg)
	}
	if hm.err != nil || hm.added != 2 {
		t.Fatalf("history: added=%d err=%v", hm.added, hm.err)
	}
	m.Update(hm)

	out := m.renderMessages(m.current)
	first := strings.Index(out, "hello there")
	second := strings.Index(out, "second")
	if first < 0 || second < 0 || first > second {
		t.Errorf("messages not rendered in order:\n%s", out)
	}

	// Older history is empty.
	msg = run(t, c, m.loadHistory(m.current, 10))
	m.Update(msg)
	if m.status != "no older messages" {
		t.Errorf("status = %q", m.status)
	}
}

func TestHistory_InvalidCount(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.submit("/join general")
	m.loading = false

	if cmd, _ := m.submit("/history -3"); cmd != nil || m.err == nil {
		t.Errorf("negative count accepted: err=%v", m.err)
	}
}

func TestSend_FromInputLine(t *testing.T) {
	m, c, fake := newTestModel(t)
	m.submit("/join general")
	m.loading = false

	cmd := typeLine(m, "//shrug")
	if m.buf.Len() != 0 {
		t.Errorf("input not cleared: %q", m.buf.String())
	}

	msg := run(t, c, cmd)
	if sm, ok := msg.(sentMsg); !ok || sm.err != nil {
		t.Fatalf("msg = %#v", msg)
	}
	if got := fake.sent(); len(got) != 1 || got[0] != "/shrug" {
		t.Errorf("server received %q", got)
	}
	if _, ok := m.current.Message("1003"); !ok {
		t.Error("sent message not cached")
	}
	if h := m.buf.History(); len(h) != 1 || h[0] != "//shrug" {
		t.Errorf("History() = %v", h)
	}
}

func TestInputHistory_FromConfig(t *testing.T) {
	m, _, _ := newTestModelWith(t, func(cfg *config.Config) {
		cfg.UI.InputHistory = 2
	})

	for _, line := range []string{"/help", "/read", "/history"} {
		typeLine(m, line)
	}
	h := m.buf.History()
	if len(h) != 2 || h[0] != "/read" || h[1] != "/history" {
		t.Errorf("History() = %v, want [/read /history]", h)
	}
	if m.historyLimit != 10 {
		t.Errorf("backfill page = %d, want 10", m.historyLimit)
	}
}

func TestCycle(t *testing.T) {
	m, _, _ := newTestModel(t)

	var seen []string
	for i := 0; i < len(m.channels); i++ {
		m.Update(tea.KeyMsg{Type: tea.KeyTab})
		m.loading = false
		seen = append(seen, m.current.DisplayName())
	}
	want := []string{"alice", "#bikeshed", "#general"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("tab order = %v, want %v", seen, want)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.current.DisplayName() != "#bikeshed" {
		t.Errorf("shift+tab = %s, want #bikeshed", m.current.DisplayName())
	}
}

func TestView(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.submit("/join alice")
	m.buf.InsertString("draft")

	out := m.View()
	for _, want := range []string{"ncdc", "alice", "#general", "draft", "ctrl+c quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestQuit_ReleasesChannel(t *testing.T) {
	m, _, _ := newTestModel(t)
	m.submit("/join general")
	ch := m.current
	refs := ch.Refs()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c returned no command")
	}
	if m.current != nil || ch.Refs() != refs-1 {
		t.Errorf("channel still held: refs %d -> %d", refs, ch.Refs())
	}
}
