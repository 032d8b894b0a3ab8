// Package watch implements the live job monitor behind "ansible-api watch".
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every style used by the monitor in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
	PoolBusy       lipgloss.Style
	PoolIdle       lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
		PoolBusy:       lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		PoolIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle picks the style for a job status.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case statusSucceeded:
		return t.StatusOK
	case statusFailed:
		return t.StatusFailed
	case statusRunning:
		return t.StatusRunning
	default:
		return t.StatusQueued
	}
}
