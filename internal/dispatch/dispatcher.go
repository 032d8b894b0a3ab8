package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ansible-api/internal/log"
)

// Pool names.
const (
	PoolAsync = "async"
	PoolSync  = "sync"
)

// Config sizes the two pools.
type Config struct {
	AsyncSize  int
	SyncSize   int
	MaxQueue   int
	JobTimeout time.Duration
}

// Dispatcher owns the async and sync pools.
type Dispatcher struct {
	async  *Pool
	sync   *Pool
	logger *slog.Logger
}

// New starts both pools under ctx. Cancelling ctx cancels running jobs.
func New(ctx context.Context, cfg Config, observer Observer) *Dispatcher {
	logger := log.WithComponent("dispatch")
	if observer == nil {
		observer = NopObserver{}
	}

	d := &Dispatcher{logger: logger}
	d.async = NewPool(ctx, PoolAsync, PoolOptions{
		Size:       cfg.AsyncSize,
		MaxQueue:   cfg.MaxQueue,
		JobTimeout: cfg.JobTimeout,
		Observer:   Observers{observer, asyncOutcomeLogger{logger}},
		Logger:     logger,
	})
	d.sync = NewPool(ctx, PoolSync, PoolOptions{
		Size:       cfg.SyncSize,
		MaxQueue:   cfg.MaxQueue,
		JobTimeout: cfg.JobTimeout,
		Observer:   observer,
		Logger:     logger,
	})

	logger.Info("worker pools started",
		"async_size", d.async.size,
		"sync_size", d.sync.size,
		"max_queue", cfg.MaxQueue,
		"job_timeout", cfg.JobTimeout,
	)
	return d
}

// Sync runs job on the sync pool and waits for its outcome. If ctx ends
// first, ctx.Err() is returned and the job keeps running.
func (d *Dispatcher) Sync(ctx context.Context, job Job) (any, error) {
	job = withID(job)
	h, err := d.sync.Submit(job)
	if err != nil {
		return nil, err
	}
	value, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		d.logger.Warn("caller gone before job finished", "job_id", job.ID, "job", job.Name)
	}
	return value, err
}

// Async submits job to the async pool and returns its ID without waiting.
// The outcome is logged and reported to the observer only.
func (d *Dispatcher) Async(job Job) (string, error) {
	job = withID(job)
	if _, err := d.async.Submit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Stats reports both pools keyed by pool name.
func (d *Dispatcher) Stats() map[string]Stats {
	return map[string]Stats{
		PoolAsync: d.async.Stats(),
		PoolSync:  d.sync.Stats(),
	}
}

// Close drains both pools concurrently.
func (d *Dispatcher) Close(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.async.Close(gctx) })
	g.Go(func() error { return d.sync.Close(gctx) })
	err := g.Wait()
	d.logger.Info("worker pools stopped", "error", err)
	return err
}

func withID(job Job) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job
}

// asyncOutcomeLogger is the only place an async job's outcome surfaces.
type asyncOutcomeLogger struct {
	logger *slog.Logger
}

func (asyncOutcomeLogger) JobQueued(string, Job) {}

func (asyncOutcomeLogger) JobStarted(string, Job) {}

func (a asyncOutcomeLogger) JobFinished(_ string, job Job, elapsed time.Duration, err error) {
	l := a.logger.With("job_id", job.ID, "kind", job.Kind, "job", job.Name, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		l.Error("async job failed", "error", err)
		return
	}
	l.Info("async job completed")
}
