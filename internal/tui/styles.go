package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/espwasm/wasmctl/internal/task"
)

// Styles contains all the lipgloss styles used for command output.
type Styles struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Help      lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special := lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	muted := lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}

	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight),

		Label: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}).
			Width(10),

		Value: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(muted),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")),

		Success: lipgloss.NewStyle().
			Foreground(special),

		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFCC00")),

		Help: lipgloss.NewStyle().
			Foreground(muted).
			MarginTop(1),
	}
}

// State picks the style for a task state.
func (s Styles) State(st task.State) lipgloss.Style {
	switch st {
	case task.Running:
		return s.Success.Bold(true)
	case task.Loaded:
		return s.Highlight
	case task.Stopped:
		return s.Warning
	default:
		return s.Muted
	}
}
