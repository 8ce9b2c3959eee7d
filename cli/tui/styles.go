// Package tui provides the Bubble Tea progress view of `coapp download`.
//
// The view is opt-in (--tui) and draws on stderr so stdout keeps the
// rendered result.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// Styles for TUI components.
var (
	// TitleStyle for headers and titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)

	// BarFilledStyle and BarEmptyStyle draw the progress bar.
	BarFilledStyle = lipgloss.NewStyle().Foreground(primaryColor)
	BarEmptyStyle  = lipgloss.NewStyle().Foreground(mutedColor)

	// HelpStyle for help text.
	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// StateStyle returns a style based on the download state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "complete":
		return SuccessStyle
	case "in_progress":
		return WarningStyle
	case "interrupted":
		return ErrorStyle
	default:
		return ValueStyle
	}
}
