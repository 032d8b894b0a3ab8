package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ansible-api/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{done: make(chan struct{}, 16)}
}

func (r *recordingObserver) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) JobQueued(pool string, job Job) { r.add("queued:" + pool + ":" + job.Name) }
func (r *recordingObserver) JobStarted(pool string, job Job) { r.add("started:" + pool + ":" + job.Name) }
func (r *recordingObserver) JobFinished(pool string, job Job, _ time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "err"
	}
	r.add("finished:" + pool + ":" + job.Name + ":" + status)
	r.done <- struct{}{}
}

func (r *recordingObserver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestDispatcher(t *testing.T, cfg Config, obs Observer) *Dispatcher {
	t.Helper()
	d := New(context.Background(), cfg, obs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDispatcher_SyncReturnsOutcome(t *testing.T) {
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, nil)

	v, err := d.Sync(context.Background(), Job{Name: "echo", Fn: func(ctx context.Context) (any, error) {
		return "hello", nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = d.Sync(context.Background(), Job{Name: "fail", Fn: func(ctx context.Context) (any, error) {
		return nil, errors.New("runner exploded")
	}})
	assert.EqualError(t, err, "runner exploded")
}

func TestDispatcher_AsyncAcksBeforeJobCompletes(t *testing.T) {
	obs := newRecordingObserver()
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, obs)

	release := make(chan struct{})
	start := time.Now()
	id, err := d.Async(Job{Name: "sleeper", Fn: func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Nothing finished yet.
	for _, ev := range obs.snapshot() {
		assert.NotContains(t, ev, "finished")
	}

	close(release)
	select {
	case <-obs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async job never finished")
	}
	assert.Contains(t, obs.snapshot(), "finished:async:sleeper:ok")
}

func TestDispatcher_AsyncFailureIsNotReturned(t *testing.T) {
	obs := newRecordingObserver()
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, obs)

	id, err := d.Async(Job{Name: "bad", Fn: func(ctx context.Context) (any, error) {
		return nil, errors.New("unreachable host")
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case <-obs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async job never finished")
	}
	assert.Contains(t, obs.snapshot(), "finished:async:bad:err")
}

func TestDispatcher_PoolsAreIndependent(t *testing.T) {
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, nil)

	// Saturate the async pool.
	release := make(chan struct{})
	defer close(release)
	for i := 0; i < 3; i++ {
		_, err := d.Async(Job{Name: "hog", Fn: func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := d.Sync(ctx, Job{Name: "quick", Fn: func(ctx context.Context) (any, error) {
		return 42, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.Eventually(t, func() bool {
		s := d.Stats()[PoolAsync]
		return s.Running == 1 && s.Queued == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_SyncCallerGoneJobContinues(t *testing.T) {
	obs := newRecordingObserver()
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, obs)

	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Sync(ctx, Job{Name: "long", Fn: func(ctx context.Context) (any, error) {
			<-release
			return "done", nil
		}})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return d.Stats()[PoolSync].Running == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	select {
	case <-obs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not keep running after caller left")
	}
	assert.Contains(t, obs.snapshot(), "finished:sync:long:ok")
}

func TestDispatcher_AssignsIDs(t *testing.T) {
	d := newTestDispatcher(t, Config{AsyncSize: 1, SyncSize: 1}, nil)

	id1, err := d.Async(Job{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)
	id2, err := d.Async(Job{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	id3, err := d.Async(Job{ID: "fixed", Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id3)
}
