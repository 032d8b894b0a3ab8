package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrQueueFull is returned by Submit when MaxQueue jobs are already waiting.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Func is the unit of work executed by a pool worker.
type Func func(ctx context.Context) (any, error)

// Job is a named unit of work.
type Job struct {
	ID   string
	Kind string
	Name string
	Fn   Func
}

// Handle resolves when the submitted job finishes.
type Handle struct {
	job Job
	// queued is closed once JobQueued has been observed.
	queued chan struct{}
	done   chan struct{}
	value  any
	err    error
}

// ID returns the job ID.
func (h *Handle) ID() string { return h.job.ID }

// Done is closed once the job has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends. The job is not cancelled
// when ctx ends.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size    int `json:"size"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size       int
	MaxQueue   int
	JobTimeout time.Duration
	Observer   Observer
	Logger     *slog.Logger
}

// Pool is a fixed set of workers draining a FIFO queue.
type Pool struct {
	name       string
	size       int
	maxQueue   int
	jobTimeout time.Duration
	observer   Observer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Handle
	running int
	closed  bool

	wg sync.WaitGroup
}

// NewPool starts opts.Size workers (minimum 1) under parent.
func NewPool(parent context.Context, name string, opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pool{
		name:       name,
		size:       opts.Size,
		maxQueue:   opts.MaxQueue,
		jobTimeout: opts.JobTimeout,
		observer:   opts.Observer,
		logger:     opts.Logger.With("pool", name),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit enqueues job and returns its handle.
func (p *Pool) Submit(job Job) (*Handle, error) {
	if job.Fn == nil {
		return nil, fmt.Errorf("job %q has no function", job.ID)
	}

	h := &Handle{job: job, queued: make(chan struct{}), done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.maxQueue > 0 && len(p.queue) >= p.maxQueue {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	p.queue = append(p.queue, h)
	p.mu.Unlock()
	p.cond.Signal()

	p.observer.JobQueued(p.name, job)
	close(h.queued)
	return h, nil
}

// Stats reports the current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Size: p.size, Running: p.running, Queued: len(p.queue)}
}

// Close stops accepting jobs and waits for queued and running jobs to
// drain. If ctx ends first, running jobs are cancelled and ctx.Err() is
// returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-drained
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		h := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.run(h)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

func (p *Pool) run(h *Handle) {
	ctx := p.ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	<-h.queued
	p.observer.JobStarted(p.name, h.job)
	start := time.Now()

	h.value, h.err = p.call(ctx, h.job)

	p.observer.JobFinished(p.name, h.job, time.Since(start), h.err)
	close(h.done)
}

func (p *Pool) call(ctx context.Context, job Job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Fn(ctx)
}
