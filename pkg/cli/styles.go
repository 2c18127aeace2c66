package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorOK      = lipgloss.Color("#10B981")
	colorWarn    = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
)

var (
	Title      = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	Muted      = lipgloss.NewStyle().Foreground(colorMuted)
	OK         = lipgloss.NewStyle().Foreground(colorOK)
	Warn       = lipgloss.NewStyle().Foreground(colorWarn)
	ErrorStyle = lipgloss.NewStyle().Foreground(colorError)

	// Secret frames a credential that is shown exactly once.
	Secret = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorWarn).
		Padding(0, 1)

	headerCell = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	bodyCell   = lipgloss.NewStyle().Padding(0, 1)
)

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return bodyCell
		}).
		Render()
}

// StateLabel colors a connection state name.
func StateLabel(state string) string {
	switch state {
	case "connected", "active":
		return OK.Render(state)
	case "connecting", "reconnecting":
		return Warn.Render(state)
	default:
		return ErrorStyle.Render(state)
	}
}
