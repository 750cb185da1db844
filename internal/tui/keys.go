package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the global bindings. Everything else goes to the input
// line's editor.
type keyMap struct {
	Quit        key.Binding
	NextChannel key.Binding
	PrevChannel key.Binding
	PageUp      key.Binding
	PageDown    key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
	NextChannel: key.NewBinding(
		key.WithKeys("tab", "alt+down"),
		key.WithHelp("tab", "next channel"),
	),
	PrevChannel: key.NewBinding(
		key.WithKeys("shift+tab", "alt+up"),
		key.WithHelp("shift+tab", "prev channel"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdown", "scroll down"),
	),
}

func (k keyMap) shortHelp() string {
	var parts []string
	for _, b := range []key.Binding{k.Quit, k.NextChannel, k.PrevChannel, k.PageUp} {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	parts = append(parts, "/help commands")
	return strings.Join(parts, " • ")
}
