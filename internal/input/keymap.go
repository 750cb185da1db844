package input

import (
	"fmt"
	"sort"
)

// Command is an editing operation on a Buffer.
type Command int

const (
	Forward Command = iota
	Backward
	Delete
	DeleteBackward
	Home
	End
	KillToEnd
	KillWordBackward
	Clear
	HistoryPrev
	HistoryNext
	Submit
)

var commandNames = [...]string{
	Forward:          "forward",
	Backward:         "backward",
	Delete:           "delete",
	DeleteBackward:   "delete-backward",
	Home:             "home",
	End:              "end",
	KillToEnd:        "kill-to-end",
	KillWordBackward: "kill-word-backward",
	Clear:            "clear",
	HistoryPrev:      "history-prev",
	HistoryNext:      "history-next",
	Submit:           "submit",
}

func (c Command) String() string {
	if c >= 0 && int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Apply runs the command on b.
func (c Command) Apply(b *Buffer) {
	switch c {
	case Forward:
		b.Forward()
	case Backward:
		b.Backward()
	case Delete:
		b.Delete()
	case DeleteBackward:
		b.DeleteBackward()
	case Home:
		b.Home()
	case End:
		b.End()
	case KillToEnd:
		b.KillToEnd()
	case KillWordBackward:
		b.KillWordBackward()
	case Clear:
		b.Clear()
	case HistoryPrev:
		b.HistoryPrev()
	case HistoryNext:
		b.HistoryNext()
	case Submit:
		b.Enter()
	}
}

// Keymap binds key chords, as spelled by the terminal layer ("ctrl+a",
// "left", "backspace"), to commands.
type Keymap struct {
	name     string
	bindings map[string]Command
}

// NewKeymap creates an empty key map.
func NewKeymap(name string) *Keymap {
	return &Keymap{name: name, bindings: make(map[string]Command)}
}

// Name returns the key map's name.
func (k *Keymap) Name() string { return k.name }

// Bind maps chord to cmd, replacing an existing binding.
func (k *Keymap) Bind(chord string, cmd Command) *Keymap {
	k.bindings[chord] = cmd
	return k
}

// Lookup returns the command bound to chord.
func (k *Keymap) Lookup(chord string) (Command, bool) {
	cmd, ok := k.bindings[chord]
	return cmd, ok
}

// Binding is one chord and its command.
type Binding struct {
	Chord   string
	Command Command
}

// Bindings returns every binding sorted by chord.
func (k *Keymap) Bindings() []Binding {
	out := make([]Binding, 0, len(k.bindings))
	for chord, cmd := range k.bindings {
		out = append(out, Binding{chord, cmd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chord < out[j].Chord })
	return out
}

// Basic binds the cursor and editing keys every terminal has.
func Basic() *Keymap {
	return NewKeymap("basic").
		Bind("left", Backward).
		Bind("right", Forward).
		Bind("home", Home).
		Bind("end", End).
		Bind("delete", Delete).
		Bind("backspace", DeleteBackward).
		Bind("up", HistoryPrev).
		Bind("down", HistoryNext)
}

// Emacs extends Basic with the readline control chords.
func Emacs() *Keymap {
	k := Basic()
	k.name = "emacs"
	return k.
		Bind("ctrl+f", Forward).
		Bind("ctrl+b", Backward).
		Bind("ctrl+a", Home).
		Bind("ctrl+e", End).
		Bind("ctrl+d", Delete).
		Bind("ctrl+h", DeleteBackward).
		Bind("ctrl+k", KillToEnd).
		Bind("ctrl+w", KillWordBackward).
		Bind("ctrl+u", Clear).
		Bind("ctrl+p", HistoryPrev).
		Bind("ctrl+n", HistoryNext).
		Bind("ctrl+j", Submit)
}

// ByName returns the key map called name. An empty name selects emacs.
func ByName(name string) (*Keymap, error) {
	switch name {
	case "", "emacs":
		return Emacs(), nil
	case "basic":
		return Basic(), nil
	default:
		return nil, fmt.Errorf("unknown keymap %q", name)
	}
}
