package tui

import (
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/eachlabs/ncdc/internal/input"
)

const helpText = `Commands:

  /join <query>   open the channel that best matches query
  /read           mark the open channel as read
  /history [n]    load n older messages into the open channel
  /quit           leave ncdc
  /help           show this text

A line starting with // is sent as text with one slash removed.
`

var errNoChannel = errors.New("no channel open, use /join <name>")

// submit handles one line from the input. It reports true when the UI
// should exit.
func (m *Model) submit(line string) (tea.Cmd, bool) {
	m.err = nil
	m.status = ""

	inv, ok := input.ParseCommand(line)
	if !ok {
		if m.current == nil {
			m.err = errNoChannel
			return nil, false
		}
		return m.send(m.current, input.Literal(line)), false
	}

	switch inv.Name {
	case "quit", "q":
		return nil, true

	case "help":
		m.showHelp = true
		m.refresh(true)
		return nil, false

	case "join", "j":
		if inv.Args == "" {
			m.err = errors.New("usage: /join <query>")
			return nil, false
		}
		found := m.sess.FindChannels(inv.Args)
		if len(found) == 0 {
			m.err = fmt.Errorf("no channel matches %q", inv.Args)
			return nil, false
		}
		return m.open(found[0]), false

	case "read":
		if m.current == nil {
			m.err = errNoChannel
			return nil, false
		}
		m.sess.MarkRead(m.current)
		m.status = "marked " + m.current.DisplayName() + " as read"
		return nil, false

	case "history":
		if m.current == nil {
			m.err = errNoChannel
			return nil, false
		}
		n := m.historyLimit
		if f := inv.Fields(); len(f) > 0 {
			v, err := strconv.Atoi(f[0])
			if err != nil || v <= 0 {
				m.err = fmt.Errorf("invalid count %q", f[0])
				return nil, false
			}
			n = v
		}
		return m.loadHistory(m.current, n), false

	default:
		m.err = fmt.Errorf("unknown command /%s, try /help", inv.Name)
		return nil, false
	}
}
