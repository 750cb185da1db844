package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// markdown renders message bodies. Output is cached per message until the
// width changes.
type markdown struct {
	width    int
	renderer *glamour.TermRenderer
	cache    map[string]string
}

func newMarkdown() *markdown {
	return &markdown{cache: make(map[string]string)}
}

func (md *markdown) render(key, input string, width int) string {
	if strings.TrimSpace(input) == "" {
		return input
	}
	if width <= 0 {
		width = 80
	}
	if width != md.width || md.renderer == nil {
		r, err := glamour.NewTermRenderer(
			glamour.WithWordWrap(width),
			glamour.WithStandardStyle("dark"),
		)
		if err != nil {
			return input
		}
		md.renderer = r
		md.width = width
		clear(md.cache)
	}

	if out, ok := md.cache[key]; ok {
		return out
	}
	out, err := md.renderer.Render(input)
	if err != nil {
		return input
	}
	out = strings.Trim(out, "\n")
	md.cache[key] = out
	return out
}
