package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ansible-api/internal/events"
)

const (
	maxEventLog   = 50
	shownEventLog = 8
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= shownEventLog {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var data events.JobEvent
	_ = json.Unmarshal(e.Data, &data)

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeJobFinished:
		typeStyle = theme.statusStyle(data.Status)
	case events.TypeJobStarted:
		typeStyle = theme.StatusRunning
	case events.TypeJobQueued:
		typeStyle = theme.StatusQueued
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-13s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, eventDesc(e, data))
}

func eventDesc(e events.Event, data events.JobEvent) string {
	if data.JobID == "" {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	parts := []string{fmt.Sprintf("[%s]", shortID(data.JobID))}
	if data.Kind != "" {
		parts = append(parts, data.Kind)
	}
	if data.Name != "" {
		parts = append(parts, data.Name)
	}
	if data.Status != "" {
		parts = append(parts, data.Status)
	}
	return strings.Join(parts, " ")
}
