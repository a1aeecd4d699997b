package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent = lipgloss.Color("62")
	colorMuted  = lipgloss.Color("240")
)

var (
	StyleTitle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	StyleSelected = lipgloss.NewStyle().
			Background(colorAccent).
			Foreground(lipgloss.Color("0"))
)

var statusStyles = map[string]lipgloss.Style{
	StatusPending: lipgloss.NewStyle().Foreground(colorMuted),
	StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
	StatusDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
	StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
}

var statusIcons = map[string]string{
	StatusPending: "○",
	StatusRunning: "●",
	StatusDone:    "✓",
	StatusFailed:  "✗",
}

// statusStyle returns the style for a task status; unknown statuses render
// as pending.
func statusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return statusStyles[StatusPending]
}

// StatusIcon returns a styled status marker.
func StatusIcon(status string) string {
	icon, ok := statusIcons[status]
	if !ok {
		icon = statusIcons[StatusPending]
	}
	return statusStyle(status).Render(icon)
}

// paneBox frames a pane, highlighting the focused one.
func paneBox(focused bool, w, h int) lipgloss.Style {
	border := colorMuted
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Width(w - 2).
		Height(h - 2)
}

// heading renders a pane title over an underline no wider than limit.
func heading(title string, limit int) string {
	t := StyleTitle.Render(title)
	return t + "\n" + strings.Repeat("=", min(limit, lipgloss.Width(t))) + "\n\n"
}
