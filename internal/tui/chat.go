// Package tui is the terminal interface: a channel list, the messages of
// the open channel and an input line.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/eachlabs/ncdc/internal/app"
	"github.com/eachlabs/ncdc/internal/channel"
	"github.com/eachlabs/ncdc/internal/gateway"
	"github.com/eachlabs/ncdc/internal/input"
	"github.com/eachlabs/ncdc/internal/session"
)

const (
	sidebarWidth = 24
	tickInterval = 20 * time.Millisecond
)

// Messages
type tickMsg time.Time
type cacheMsg struct{}
type connectedMsg struct{ err error }
type historyMsg struct {
	ch    *channel.Channel
	added int
	err   error
}
type sentMsg struct{ err error }

// Model is the bubbletea model for the chat UI.
type Model struct {
	app     *app.Context
	sess    *session.Session
	updates <-chan struct{}
	timeout time.Duration

	// UI components
	buf      *input.Buffer
	keymap   *input.Keymap
	viewport viewport.Model
	spinner  spinner.Model
	md       *markdown

	// State
	current      *channel.Channel
	channels     []*channel.Channel
	submitted    []string
	historyLimit int
	showHelp     bool
	connecting   bool
	loading      bool
	status       string
	err          error
	width        int
	height       int
	ready        bool
}

// NewModel creates the chat model for s.
func NewModel(c *app.Context, s *session.Session) (*Model, error) {
	cfg := c.Config()

	km, err := input.ByName(cfg.UI.Keymap)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.APITimeout()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(purple)

	m := &Model{
		app:          c,
		sess:         s,
		updates:      s.Subscribe(),
		timeout:      timeout,
		keymap:       km,
		viewport:     viewport.New(80, 20),
		spinner:      sp,
		historyLimit: cfg.UI.HistoryLimit,
		connecting:   true,
	}
	if m.historyLimit <= 0 {
		m.historyLimit = 50
	}
	if cfg.UI.Markdown {
		m.md = newMarkdown()
	}
	m.buf = input.NewBuffer(func(line string) bool {
		m.submitted = append(m.submitted, line)
		return true
	})
	if cfg.UI.InputHistory > 0 {
		m.buf.SetHistoryLimit(cfg.UI.InputHistory)
	}
	return m, nil
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tick(),
		m.waitForUpdate(),
		m.connect(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) waitForUpdate() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		<-updates
		return cacheMsg{}
	}
}

func (m *Model) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

func (m *Model) connect() tea.Cmd {
	s := m.sess
	ctx, cancel := m.context()
	return func() tea.Msg {
		defer cancel()
		if s.Self() == nil {
			if err := s.Identify(ctx); err != nil {
				return connectedMsg{err}
			}
		}
		return connectedMsg{s.Connect(ctx)}
	}
}

func (m *Model) loadHistory(ch *channel.Channel, limit int) tea.Cmd {
	if ch == nil || m.loading {
		return nil
	}
	m.loading = true
	s := m.sess
	ctx, cancel := m.context()
	ch.Ref()
	return func() tea.Msg {
		defer cancel()
		n, err := s.LoadMessages(ctx, ch, limit)
		ch.Unref()
		return historyMsg{ch: ch, added: n, err: err}
	}
}

func (m *Model) send(ch *channel.Channel, text string) tea.Cmd {
	s := m.sess
	ctx, cancel := m.context()
	ch.Ref()
	return func() tea.Msg {
		defer cancel()
		err := s.SendMessage(ctx, ch, text)
		ch.Unref()
		return sentMsg{err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, m.quit()
		case key.Matches(msg, keys.NextChannel):
			cmds = append(cmds, m.cycle(1))
		case key.Matches(msg, keys.PrevChannel):
			cmds = append(cmds, m.cycle(-1))
		case key.Matches(msg, keys.PageUp):
			m.viewport.SetYOffset(m.viewport.YOffset - m.viewport.Height/2)
			if m.viewport.AtTop() {
				cmds = append(cmds, m.loadHistory(m.current, m.historyLimit))
			}
		case key.Matches(msg, keys.PageDown):
			m.viewport.SetYOffset(m.viewport.YOffset + m.viewport.Height/2)
		case msg.Type == tea.KeyRunes && !msg.Alt:
			m.buf.InsertString(string(msg.Runes))
		default:
			m.buf.Feed(m.keymap, msg.String())
		}

		lines := m.submitted
		m.submitted = nil
		for _, line := range lines {
			cmd, quit := m.submit(line)
			if quit {
				return m, m.quit()
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(m.mainWidth(), 10)
		m.viewport.Height = max(m.height-6, 3)
		m.ready = true
		m.refresh(true)

	case tickMsg:
		if !m.app.StepN(app.StepsPerTick) {
			return m, tea.Quit
		}
		if m.connecting && m.sess.GatewayState() == gateway.Ready {
			m.connecting = false
			m.status = ""
		}
		cmds = append(cmds, tick())

	case cacheMsg:
		m.channels = m.sess.Channels()
		if m.current == nil {
			if ch, ok := m.sess.LastChannel(); ok {
				cmds = append(cmds, m.open(ch))
			}
		} else if m.current.HasNewMessages() {
			m.sess.MarkRead(m.current)
		}
		m.refresh(false)
		cmds = append(cmds, m.waitForUpdate())

	case connectedMsg:
		if msg.err != nil {
			m.connecting = false
			m.err = msg.err
		} else {
			m.status = "connecting to gateway"
		}

	case historyMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
		} else if msg.ch == m.current && msg.added == 0 {
			m.status = "no older messages"
		}
		m.refresh(false)

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) quit() tea.Cmd {
	if m.current != nil {
		m.current.Unref()
		m.current = nil
	}
	return tea.Quit
}

// open makes ch the current channel and loads its history if nothing is
// cached yet.
func (m *Model) open(ch *channel.Channel) tea.Cmd {
	if ch == nil {
		return nil
	}
	if m.current != ch {
		ch.Ref()
		if m.current != nil {
			m.current.Unref()
		}
		m.current = ch
	}

	m.showHelp = false
	m.err = nil
	m.status = ""
	m.sess.SetLastChannel(ch)
	m.sess.MarkRead(ch)
	m.refresh(true)

	if ch.Messages() == 0 {
		return m.loadHistory(ch, m.historyLimit)
	}
	return nil
}

func (m *Model) cycle(step int) tea.Cmd {
	if len(m.channels) == 0 {
		m.channels = m.sess.Channels()
	}
	n := len(m.channels)
	if n == 0 {
		return nil
	}

	i := -1
	for j, ch := range m.channels {
		if ch == m.current {
			i = j
			break
		}
	}
	if i < 0 && step < 0 {
		i = 0
	}
	return m.open(m.channels[((i+step)%n+n)%n])
}

func (m *Model) mainWidth() int {
	return m.width - sidebarWidth - 3
}

// refresh rebuilds the viewport. It stays pinned to the bottom if it was
// there before, or if bottom is set.
func (m *Model) refresh(bottom bool) {
	if !m.ready {
		return
	}
	pinned := bottom || m.viewport.AtBottom()

	if m.showHelp || m.current == nil {
		m.viewport.SetContent(helpText)
	} else {
		m.viewport.SetContent(m.renderMessages(m.current))
	}
	if pinned {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMessages(ch *channel.Channel) string {
	self := m.sess.Self()
	width := m.mainWidth()

	var b strings.Builder
	for _, msg := range ch.MessageList() {
		name := "?"
		style := authorStyle
		if a := msg.Author(); a != nil {
			name = a.DisplayName()
			if self != nil && channel.AccountsEqual(a, self) {
				style = selfStyle
			}
		}

		head := timeStyle.Render(msg.Timestamp().Local().Format("15:04")) + " " + style.Render(name)
		body := msg.Content()
		if m.md != nil {
			body = m.md.render(string(msg.ID())+"\x00"+body, body, width)
		}

		if strings.Contains(body, "\n") {
			b.WriteString(head + "\n" + body + "\n")
		} else {
			b.WriteString(head + " " + strings.TrimSpace(body) + "\n")
		}
	}
	return b.String()
}

func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewport.View(),
		m.statusView(),
		m.inputView(),
		helpStyle.Render(keys.shortHelp()),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), main)
}

func (m *Model) headerView() string {
	title := titleStyle.Render("ncdc")
	if m.current != nil {
		title += "  " + m.current.DisplayName()
	}
	if self := m.sess.Self(); self != nil {
		title += "  " + statusStyle.Render(self.FullName())
	}
	return title
}

func (m *Model) sidebarView() string {
	var b strings.Builder
	limit := max(m.height-1, 1)
	for i, ch := range m.channels {
		if i >= limit {
			break
		}
		name := ch.DisplayName()
		if r := []rune(name); len(r) > sidebarWidth-2 {
			name = string(r[:sidebarWidth-3]) + "…"
		}
		switch {
		case ch == m.current:
			b.WriteString(channelActiveStyle.Render(name))
		case m.sess.Unread(ch):
			b.WriteString(channelUnreadStyle.Render(name))
		default:
			b.WriteString(channelStyle.Render(name))
		}
		b.WriteString("\n")
	}
	return sidebarStyle.Height(max(m.height-1, 1)).Render(b.String())
}

func (m *Model) statusView() string {
	switch {
	case m.err != nil:
		return errorStyle.Render("Error: " + m.err.Error())
	case m.connecting:
		return m.spinner.View() + " " + statusStyle.Render(orDefault(m.status, "logging in"))
	case m.loading:
		return m.spinner.View() + " " + statusStyle.Render("loading messages")
	case m.status != "":
		return statusStyle.Render(m.status)
	default:
		return statusStyle.Render(m.sess.GatewayState().String())
	}
}

func (m *Model) inputView() string {
	r := []rune(m.buf.String())
	cur := m.buf.Cursor()

	under := " "
	after := ""
	if cur < len(r) {
		under = string(r[cur])
		after = string(r[cur+1:])
	}
	line := string(r[:cur]) + cursorStyle.Render(under) + after
	return inputBoxStyle.Width(max(m.mainWidth()-2, 10)).Render(line)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Run starts the chat UI on the current session of c.
func Run(c *app.Context) error {
	s := c.Current()
	if s == nil {
		return fmt.Errorf("no session")
	}
	m, err := NewModel(c, s)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
