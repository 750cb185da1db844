// Package input is the line editor behind the message prompt: an editable
// rune buffer with history, and key maps that translate key chords into
// editing commands.
package input

import (
	"strings"
	"unicode"
)

// SubmitFunc receives the line when enter is pressed. Returning true adds
// the line to the history.
type SubmitFunc func(line string) bool

const defaultHistory = 100

// Buffer is a single-line editor.
type Buffer struct {
	runes  []rune
	cursor int
	submit SubmitFunc

	history   []string
	histPos   int
	histLimit int
	draft     []rune
}

// NewBuffer creates an empty buffer.
func NewBuffer(submit SubmitFunc) *Buffer {
	return &Buffer{submit: submit, histLimit: defaultHistory}
}

// SetSubmit replaces the submit callback.
func (b *Buffer) SetSubmit(fn SubmitFunc) { b.submit = fn }

// SetHistoryLimit caps how many lines are remembered.
func (b *Buffer) SetHistoryLimit(n int) {
	if n > 0 {
		b.histLimit = n
	}
}

// String returns the buffer contents.
func (b *Buffer) String() string { return string(b.runes) }

// Len returns the number of runes in the buffer.
func (b *Buffer) Len() int { return len(b.runes) }

// Cursor returns the cursor position in runes.
func (b *Buffer) Cursor() int { return b.cursor }

// SetText replaces the contents and moves the cursor to the end.
func (b *Buffer) SetText(s string) {
	b.runes = []rune(s)
	b.cursor = len(b.runes)
}

// Insert puts r at the cursor. Non-printable runes are ignored.
func (b *Buffer) Insert(r rune) {
	if !unicode.IsPrint(r) {
		return
	}
	b.runes = append(b.runes, 0)
	copy(b.runes[b.cursor+1:], b.runes[b.cursor:])
	b.runes[b.cursor] = r
	b.cursor++
}

// InsertString inserts every printable rune of s at the cursor.
func (b *Buffer) InsertString(s string) {
	for _, r := range s {
		b.Insert(r)
	}
}

// Delete removes the rune under the cursor.
func (b *Buffer) Delete() {
	if b.cursor >= len(b.runes) {
		return
	}
	b.runes = append(b.runes[:b.cursor], b.runes[b.cursor+1:]...)
}

// DeleteBackward removes the rune before the cursor.
func (b *Buffer) DeleteBackward() {
	if b.cursor == 0 {
		return
	}
	b.runes = append(b.runes[:b.cursor-1], b.runes[b.cursor:]...)
	b.cursor--
}

// Forward moves the cursor one rune right.
func (b *Buffer) Forward() {
	if b.cursor < len(b.runes) {
		b.cursor++
	}
}

// Backward moves the cursor one rune left.
func (b *Buffer) Backward() {
	if b.cursor > 0 {
		b.cursor--
	}
}

// Home moves the cursor to the start of the line.
func (b *Buffer) Home() { b.cursor = 0 }

// End moves the cursor to the end of the line.
func (b *Buffer) End() { b.cursor = len(b.runes) }

// KillToEnd removes everything from the cursor to the end of the line.
func (b *Buffer) KillToEnd() { b.runes = b.runes[:b.cursor] }

// KillWordBackward removes the word before the cursor along with any
// spaces between it and the cursor.
func (b *Buffer) KillWordBackward() {
	i := b.cursor
	for i > 0 && unicode.IsSpace(b.runes[i-1]) {
		i--
	}
	for i > 0 && !unicode.IsSpace(b.runes[i-1]) {
		i--
	}
	b.runes = append(b.runes[:i], b.runes[b.cursor:]...)
	b.cursor = i
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.runes = b.runes[:0]
	b.cursor = 0
}

// Enter hands a non-empty line to the submit callback and clears the
// buffer.
func (b *Buffer) Enter() {
	if len(b.runes) == 0 {
		return
	}
	line := string(b.runes)
	b.Clear()
	b.histPos = len(b.history)
	b.draft = nil

	if b.submit != nil && b.submit(line) {
		b.remember(line)
	}
}

func (b *Buffer) remember(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if n := len(b.history); n > 0 && b.history[n-1] == line {
		b.histPos = n
		return
	}
	b.history = append(b.history, line)
	if len(b.history) > b.histLimit {
		b.history = b.history[len(b.history)-b.histLimit:]
	}
	b.histPos = len(b.history)
}

// History returns the remembered lines, oldest first.
func (b *Buffer) History() []string {
	return append([]string(nil), b.history...)
}

// HistoryPrev replaces the buffer with the previous history entry. The
// line being edited is kept and restored by HistoryNext.
func (b *Buffer) HistoryPrev() {
	if b.histPos == 0 {
		return
	}
	if b.histPos == len(b.history) {
		b.draft = append([]rune(nil), b.runes...)
	}
	b.histPos--
	b.SetText(b.history[b.histPos])
}

// HistoryNext moves towards the most recent entry, ending at the line that
// was being edited.
func (b *Buffer) HistoryNext() {
	if b.histPos >= len(b.history) {
		return
	}
	b.histPos++
	if b.histPos == len(b.history) {
		b.SetText(string(b.draft))
		b.draft = nil
		return
	}
	b.SetText(b.history[b.histPos])
}

// Feed applies one key chord using km: enter submits, bound chords run
// their command and a single printable rune is inserted. It reports
// whether the chord was used.
func (b *Buffer) Feed(km *Keymap, chord string) bool {
	if chord == "enter" || chord == "ctrl+m" {
		b.Enter()
		return true
	}
	if km != nil {
		if cmd, ok := km.Lookup(chord); ok {
			cmd.Apply(b)
			return true
		}
	}
	if chord == "space" {
		chord = " "
	}
	if r := []rune(chord); len(r) == 1 && unicode.IsPrint(r[0]) {
		b.Insert(r[0])
		return true
	}
	return false
}
