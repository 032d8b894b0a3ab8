package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	p := NewPool(context.Background(), "test", opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func TestPool_NeverExceedsSize(t *testing.T) {
	const size = 3
	p := newTestPool(t, PoolOptions{Size: size})

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	release := make(chan struct{})

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := p.Submit(Job{ID: string(rune('a' + i)), Fn: func(ctx context.Context) (any, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil, nil
		}})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Running == size && s.Queued == 10-size
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, int32(size), peak.Load())
}

func TestPool_NextJobWaitsForFreeWorker(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})

	release := make(chan struct{})
	secondStarted := make(chan struct{})

	first, err := p.Submit(Job{ID: "first", Fn: func(ctx context.Context) (any, error) {
		<-release
		return "first", nil
	}})
	require.NoError(t, err)

	second, err := p.Submit(Job{ID: "second", Fn: func(ctx context.Context) (any, error) {
		close(secondStarted)
		return "second", nil
	}})
	require.NoError(t, err)

	select {
	case <-secondStarted:
		t.Fatal("second job started while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	v, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestPool_FIFOAdmission(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})

	gate := make(chan struct{})
	_, err := p.Submit(Job{ID: "gate", Fn: func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
	)
	var last *Handle
	for i := 0; i < 5; i++ {
		i := i
		last, err = p.Submit(Job{Fn: func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}})
		require.NoError(t, err)
	}

	close(gate)
	_, err = last.Wait(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_RecoversPanics(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})

	h, err := p.Submit(Job{ID: "boom", Fn: func(ctx context.Context) (any, error) {
		panic("kaboom")
	}})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker survives.
	h, err = p.Submit(Job{ID: "after", Fn: func(ctx context.Context) (any, error) { return 1, nil }})
	require.NoError(t, err)
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPool_MaxQueue(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1, MaxQueue: 1})

	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}

	_, err := p.Submit(Job{ID: "running", Fn: block})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	_, err = p.Submit(Job{ID: "queued", Fn: block})
	require.NoError(t, err)

	_, err = p.Submit(Job{ID: "rejected", Fn: block})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPool_UnboundedQueueByDefault(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})

	release := make(chan struct{})
	var last *Handle
	for i := 0; i < 500; i++ {
		h, err := p.Submit(Job{Fn: func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}})
		require.NoError(t, err)
		last = h
	}
	close(release)
	_, err := last.Wait(context.Background())
	require.NoError(t, err)
}

func TestPool_JobTimeout(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1, JobTimeout: 20 * time.Millisecond})

	h, err := p.Submit(Job{ID: "slow", Fn: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p := NewPool(context.Background(), "drain", PoolOptions{Size: 1})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := p.Submit(Job{Fn: func(ctx context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil, nil
		}})
		require.NoError(t, err)
	}

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	_, err := p.Submit(Job{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_CloseDeadlineCancelsRunningJobs(t *testing.T) {
	p := NewPool(context.Background(), "cancel", PoolOptions{Size: 1})

	h, err := p.Submit(Job{Fn: func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	_, err = h.Wait(context.Background())
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestPool_SubmitWithoutFunc(t *testing.T) {
	p := newTestPool(t, PoolOptions{Size: 1})
	_, err := p.Submit(Job{ID: "empty"})
	assert.Error(t, err)
}

type slowQueueObserver struct {
	*recordingObserver
}

func (o slowQueueObserver) JobQueued(pool string, job Job) {
	time.Sleep(30 * time.Millisecond)
	o.recordingObserver.JobQueued(pool, job)
}

func TestPool_QueuedObservedBeforeStarted(t *testing.T) {
	obs := newRecordingObserver()
	p := newTestPool(t, PoolOptions{Size: 1, Observer: slowQueueObserver{obs}})

	h, err := p.Submit(Job{ID: "1", Name: "fast", Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"queued:test:fast", "started:test:fast", "finished:test:fast:ok"}, obs.snapshot())
}
