package events

import (
	"time"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
)

// Event types published for job lifecycles.
const (
	TypeJobQueued   = "job.queued"
	TypeJobStarted  = "job.started"
	TypeJobFinished = "job.finished"
)

// JobEvent is the payload of every job.* event.
type JobEvent struct {
	JobID      string `json:"job_id"`
	Pool       string `json:"pool"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Observer publishes dispatcher notifications to a Hub.
type Observer struct {
	hub *Hub
}

// NewObserver returns an Observer publishing to hub.
func NewObserver(hub *Hub) *Observer {
	return &Observer{hub: hub}
}

func (o *Observer) JobQueued(pool string, job dispatch.Job) {
	o.hub.Publish(TypeJobQueued, jobEvent(pool, job))
}

func (o *Observer) JobStarted(pool string, job dispatch.Job) {
	o.hub.Publish(TypeJobStarted, jobEvent(pool, job))
}

func (o *Observer) JobFinished(pool string, job dispatch.Job, elapsed time.Duration, err error) {
	ev := jobEvent(pool, job)
	ev.Status = "succeeded"
	ev.DurationMS = elapsed.Milliseconds()
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
	}
	o.hub.Publish(TypeJobFinished, ev)
}

func jobEvent(pool string, job dispatch.Job) JobEvent {
	return JobEvent{JobID: job.ID, Pool: pool, Kind: job.Kind, Name: job.Name}
}
