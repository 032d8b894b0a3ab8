package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ansible-api/internal/events"
)

const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// maxTrackedJobs bounds the job table; the oldest finished jobs go first.
const maxTrackedJobs = 200

// JobState tracks one job seen on the event stream.
type JobState struct {
	ID        string
	Kind      string
	Name      string
	Pool      string
	Status    string
	Error     string
	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// jobBook keeps jobs in arrival order, newest last.
type jobBook struct {
	byID  map[string]*JobState
	order []string
}

func newJobBook() *jobBook {
	return &jobBook{byID: make(map[string]*JobState)}
}

// apply folds a job.* event into the book. It reports whether anything
// changed.
func (b *jobBook) apply(e events.Event) bool {
	var data events.JobEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.JobID == "" {
		return false
	}

	job, ok := b.byID[data.JobID]
	if !ok {
		job = &JobState{ID: data.JobID, Status: statusQueued}
		b.byID[data.JobID] = job
		b.order = append(b.order, data.JobID)
	}
	if data.Kind != "" {
		job.Kind = data.Kind
	}
	if data.Name != "" {
		job.Name = data.Name
	}
	if data.Pool != "" {
		job.Pool = data.Pool
	}

	switch e.Type {
	case events.TypeJobQueued:
		job.QueuedAt = e.At
	case events.TypeJobStarted:
		if job.Status == statusQueued {
			job.Status = statusRunning
		}
		job.StartedAt = e.At
	case events.TypeJobFinished:
		job.Status = data.Status
		job.Error = data.Error
		job.Duration = time.Duration(data.DurationMS) * time.Millisecond
		job.EndedAt = e.At
	default:
		return ok
	}

	b.trim()
	return true
}

func (b *jobBook) trim() {
	for len(b.order) > maxTrackedJobs {
		victim := -1
		for i, id := range b.order {
			if s := b.byID[id].Status; s == statusSucceeded || s == statusFailed {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(b.byID, b.order[victim])
		b.order = append(b.order[:victim], b.order[victim+1:]...)
	}
}

// counts returns how many tracked jobs are in each status.
func (b *jobBook) counts() map[string]int {
	out := make(map[string]int, 4)
	for _, job := range b.byID {
		out[job.Status]++
	}
	return out
}

// newest returns tracked jobs newest first.
func (b *jobBook) newest() []*JobState {
	out := make([]*JobState, 0, len(b.order))
	for i := len(b.order) - 1; i >= 0; i-- {
		out = append(out, b.byID[b.order[i]])
	}
	return out
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns(jobColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// jobColumns gives the name column whatever width is left over.
func jobColumns(width int) []table.Column {
	name := max(12, width-2-8-10-6-10-9-14)
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Kind", Width: 8},
		{Title: "Status", Width: 10},
		{Title: "Pool", Width: 6},
		{Title: "Name", Width: name},
		{Title: "ID", Width: 10},
		{Title: "Duration", Width: 9},
	}
}

func jobRows(jobs []*JobState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, table.Row{
			statusIcon(job.Status),
			job.Kind,
			job.Status,
			job.Pool,
			job.Name,
			shortID(job.ID),
			jobDuration(job, now),
		})
	}
	return rows
}

func statusIcon(status string) string {
	switch status {
	case statusSucceeded:
		return "✓"
	case statusFailed:
		return "✗"
	case statusRunning:
		return "▶"
	default:
		return "…"
	}
}

func jobDuration(job *JobState, now time.Time) string {
	switch {
	case job.Status == statusSucceeded || job.Status == statusFailed:
		return formatDuration(job.Duration)
	case !job.StartedAt.IsZero():
		return formatDuration(now.Sub(job.StartedAt))
	default:
		return "-"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderJobs(t table.Model, book *jobBook, theme Theme, width int) string {
	counts := book.counts()
	summary := fmt.Sprintf("%s %d  %s %d  %s %d  %s %d",
		theme.StatusQueued.Render("queued"), counts[statusQueued],
		theme.StatusRunning.Render("running"), counts[statusRunning],
		theme.StatusOK.Render("ok"), counts[statusSucceeded],
		theme.StatusFailed.Render("failed"), counts[statusFailed],
	)

	var body string
	if len(book.order) == 0 {
		body = theme.Dim.Render("  No jobs yet...")
	} else {
		body = t.View()
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("JOBS")+" "+summary,
		body,
	)
	return theme.Border.Width(width - 4).Render(content)
}

// renderSelected shows the error of the highlighted job, if it failed.
func renderSelected(t table.Model, book *jobBook, theme Theme, width int) string {
	row := t.SelectedRow()
	if row == nil {
		return ""
	}
	for _, job := range book.byID {
		if shortID(job.ID) != row[5] || job.Error == "" {
			continue
		}
		text := fmt.Sprintf(" %s %s: %s", statusIcon(job.Status), job.ID, job.Error)
		return theme.StatusFailed.Width(width - 4).Render(text)
	}
	return ""
}
