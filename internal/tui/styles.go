package tui

import "github.com/charmbracelet/lipgloss"

var (
	purple    = lipgloss.Color("#A855F7")
	green     = lipgloss.Color("#22C55E")
	yellow    = lipgloss.Color("#FBBF24")
	red       = lipgloss.Color("#EF4444")
	gray      = lipgloss.Color("#6B7280")
	darkGray  = lipgloss.Color("#374151")
	lightGray = lipgloss.Color("#9CA3AF")
	white     = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple)

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Border(lipgloss.RoundedBorder(), false, true, false, false).
			BorderForeground(darkGray).
			Padding(0, 1)

	channelStyle = lipgloss.NewStyle().
			Foreground(lightGray)

	channelActiveStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(white).
				Background(purple)

	channelUnreadStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(yellow)

	timeStyle = lipgloss.NewStyle().
			Foreground(gray)

	authorStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	selfStyle = lipgloss.NewStyle().
			Foreground(purple).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(gray)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(green).
			Padding(0, 1)

	cursorStyle = lipgloss.NewStyle().
			Reverse(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(gray)
)
