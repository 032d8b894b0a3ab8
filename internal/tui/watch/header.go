package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Pools         map[string]dispatch.Stats
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	titleText := fmt.Sprintf(" ANSIBLE API WATCH %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s", statusText, uptime)

	poolNames := make([]string, 0, len(health.Pools))
	for name := range health.Pools {
		poolNames = append(poolNames, name)
	}
	sort.Strings(poolNames)
	var poolLines []string
	for _, name := range poolNames {
		st := health.Pools[name]
		poolLines = append(poolLines, fmt.Sprintf(" %-5s %s %d/%d running, %d queued",
			name, poolBar(st.Running, st.Size, theme), st.Running, st.Size, st.Queued))
	}

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	lines := append([]string{titleLine, statsLine}, poolLines...)
	lines = append(lines, activityLine)
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
