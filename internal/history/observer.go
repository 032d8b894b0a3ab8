package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/log"
)

const writeTimeout = 5 * time.Second

// Observer records pool lifecycle events. Write failures are logged and
// never affect the job.
type Observer struct {
	store  *Store
	logger *slog.Logger
}

var _ dispatch.Observer = (*Observer)(nil)

func NewObserver(store *Store) *Observer {
	return &Observer{store: store, logger: log.WithComponent("history")}
}

func (o *Observer) JobQueued(pool string, job dispatch.Job) {
	o.write(job, func(ctx context.Context) error {
		return o.store.MarkQueued(ctx, job.ID, pool, job.Kind, job.Name)
	})
}

func (o *Observer) JobStarted(pool string, job dispatch.Job) {
	o.write(job, func(ctx context.Context) error {
		return o.store.MarkStarted(ctx, job.ID, pool, job.Kind, job.Name)
	})
}

func (o *Observer) JobFinished(pool string, job dispatch.Job, elapsed time.Duration, err error) {
	o.write(job, func(ctx context.Context) error {
		return o.store.MarkFinished(ctx, job.ID, pool, job.Kind, job.Name, elapsed, err)
	})
}

func (o *Observer) write(job dispatch.Job, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		o.logger.Error("failed to record job history", "job_id", job.ID, "error", err)
	}
}
