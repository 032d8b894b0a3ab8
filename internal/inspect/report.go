// Package inspect renders job history for operators reading the database
// directly, without going through the signed API.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/ansible-api/internal/history"
)

// Source is the subset of the history store the reports read.
type Source interface {
	Get(ctx context.Context, id string) (*history.Record, error)
	Recent(ctx context.Context, limit int, status history.Status) ([]history.Record, error)
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, jobID string) (string, error) {
	rec, err := lookupJob(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", rec.ID)
	fmt.Fprintf(&out, "Kind        : %s\n", rec.Kind)
	fmt.Fprintf(&out, "Name        : %s\n", rec.Name)
	fmt.Fprintf(&out, "Pool        : %s\n", rec.Pool)
	fmt.Fprintf(&out, "Status      : %s\n", rec.Status)
	fmt.Fprintf(&out, "Queued      : %s\n", renderTime(rec.QueuedAt))
	fmt.Fprintf(&out, "Started     : %s\n", renderTime(rec.StartedAt))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(rec.CompletedAt))
	fmt.Fprintf(&out, "Duration    : %s\n", renderDuration(rec.DurationMS))
	if rec.Error != "" {
		fmt.Fprintf(&out, "Error       :\n")
		for _, line := range strings.Split(strings.TrimSpace(rec.Error), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report for a job.
func BuildJSONReport(ctx context.Context, src Source, jobID string) (string, error) {
	rec, err := lookupJob(ctx, src, jobID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildList renders the most recent jobs as a table.
func BuildList(ctx context.Context, src Source, limit int, status history.Status) (string, error) {
	recs, err := src.Recent(ctx, limit, status)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "No jobs recorded.\n", nil
	}

	var out strings.Builder
	w := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tKIND\tNAME\tPOOL\tSTATUS\tQUEUED\tDURATION")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Kind, rec.Name, rec.Pool, rec.Status,
			renderTime(rec.QueuedAt), renderDuration(rec.DurationMS))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return out.String(), nil
}

func lookupJob(ctx context.Context, src Source, jobID string) (*history.Record, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	rec, err := src.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobID, err)
	}
	return rec, nil
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func renderDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
