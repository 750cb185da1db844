package input

import "strings"

// Invocation is a slash command typed at the prompt.
type Invocation struct {
	Name string
	Args string
}

// Fields splits the arguments on whitespace.
func (i Invocation) Fields() []string { return strings.Fields(i.Args) }

// ParseCommand recognises "/name args". A line starting with "//" is not a
// command; see Literal.
func ParseCommand(line string) (Invocation, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return Invocation{}, false
	}
	name, args, _ := strings.Cut(line[1:], " ")
	if name == "" {
		return Invocation{}, false
	}
	return Invocation{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}

// Literal returns the text to send for a line that is not a command,
// turning a leading "//" into "/".
func Literal(line string) string {
	if strings.HasPrefix(line, "//") {
		return line[1:]
	}
	return line
}
