// Package history keeps an audit trail of dispatched jobs in SQLite so
// callers can ask what became of an async job.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when no record exists for a job ID.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a recorded job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record describes a dispatched job. Request payloads and signatures are
// never stored.
type Record struct {
	ID          string     `json:"id"`
	Pool        string     `json:"pool"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

// Store reads and writes job_history rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// MarkQueued records submission time. It never moves a job backwards if
// the worker already reported it.
func (s *Store) MarkQueued(ctx context.Context, id, pool, kind, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history(id, pool, kind, name, status, queued_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  queued_at = excluded.queued_at;
`, id, pool, kind, name, string(StatusQueued), s.timestamp())
	if err != nil {
		return fmt.Errorf("record queued job %s: %w", id, err)
	}
	return nil
}

// MarkStarted records that a worker picked the job up.
func (s *Store) MarkStarted(ctx context.Context, id, pool, kind, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history(id, pool, kind, name, status, started_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = CASE WHEN job_history.status = 'queued' THEN excluded.status ELSE job_history.status END,
  started_at = excluded.started_at;
`, id, pool, kind, name, string(StatusRunning), s.timestamp())
	if err != nil {
		return fmt.Errorf("record started job %s: %w", id, err)
	}
	return nil
}

// MarkFinished records the terminal status of a job.
func (s *Store) MarkFinished(ctx context.Context, id, pool, kind, name string, elapsed time.Duration, jobErr error) error {
	status := StatusSucceeded
	var lastError *string
	if jobErr != nil {
		status = StatusFailed
		msg := jobErr.Error()
		lastError = &msg
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history(id, pool, kind, name, status, last_error, completed_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  last_error = excluded.last_error,
  completed_at = excluded.completed_at,
  duration_ms = excluded.duration_ms;
`, id, pool, kind, name, string(status), lastError, s.timestamp(), elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("record finished job %s: %w", id, err)
	}
	return nil
}

const selectColumns = `SELECT id, pool, kind, name, status, last_error, queued_at, started_at, completed_at, duration_ms
FROM job_history`

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest submission first. An empty
// status matches every record.
func (s *Store) Recent(ctx context.Context, limit int, status Status) ([]Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
WHERE ? = '' OR status = ?
ORDER BY COALESCE(queued_at, started_at, completed_at) DESC, id
LIMIT ?;
`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                              Record
		status                           string
		lastError                        sql.NullString
		queuedAt, startedAt, completedAt sql.NullString
		duration                         sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Pool, &rec.Kind, &rec.Name, &status, &lastError, &queuedAt, &startedAt, &completedAt, &duration)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.Error = lastError.String
	if rec.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	if duration.Valid {
		rec.DurationMS = &duration.Int64
	}
	return &rec, nil
}

// Prune deletes finished records completed before the cutoff.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := s.now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM job_history
WHERE status IN ('succeeded', 'failed') AND completed_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse stored timestamp %q: %w", v.String, err)
	}
	return &t, nil
}
