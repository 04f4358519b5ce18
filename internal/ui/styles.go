// Package ui provides terminal styling and rendering for abathur CLI
// output. Color degrades automatically on dumb terminals.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/abathur-dev/abathur/internal/types"
)

// Semantic colors, adaptive for light and dark terminals.
var (
	ColorOK = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

var (
	OKStyle     = lipgloss.NewStyle().Foreground(ColorOK)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

// statusStyles maps each task status to its display style.
var statusStyles = map[types.TaskStatus]lipgloss.Style{
	types.StatusPending:   MutedStyle,
	types.StatusBlocked:   WarnStyle,
	types.StatusReady:     AccentStyle,
	types.StatusRunning:   AccentStyle,
	types.StatusCompleted: OKStyle,
	types.StatusFailed:    FailStyle,
	types.StatusCancelled: MutedStyle,
}

// StatusStyle returns the style for a task status.
func StatusStyle(status types.TaskStatus) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return MutedStyle
}

// RenderStatus colors a status label.
func RenderStatus(status types.TaskStatus) string {
	return StatusStyle(status).Render(string(status))
}

// ColorEnabled reports whether the terminal supports color output.
func ColorEnabled() bool {
	return termenv.ColorProfile() != termenv.Ascii
}

// Tree drawing characters for dependency chains.
const (
	TreeBranch = "├─ "
	TreeLast   = "└─ "
	TreeIndent = "   "
)
