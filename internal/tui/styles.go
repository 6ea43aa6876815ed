package tui

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	muted   = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
	danger  = lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF5F87"}
	success = lipgloss.AdaptiveColor{Light: "#2E8B57", Dark: "#04B575"}
)

type styles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	timestamp lipgloss.Style
	pending   lipgloss.Style
	failed    lipgloss.Style
	body      lipgloss.Style
	status    lipgloss.Style
	errorText lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header:    lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1),
		user:      lipgloss.NewStyle().Bold(true).Foreground(primary),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(success),
		timestamp: lipgloss.NewStyle().Foreground(muted),
		pending:   lipgloss.NewStyle().Foreground(muted).Italic(true),
		failed:    lipgloss.NewStyle().Foreground(danger),
		body:      lipgloss.NewStyle().PaddingLeft(2),
		status:    lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		errorText: lipgloss.NewStyle().Foreground(danger).Padding(0, 1),
	}
}
