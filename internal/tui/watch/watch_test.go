package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/events"
)

func jobEvent(t *testing.T, id int64, typ string, data events.JobEvent) events.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: raw}
}

func TestReadSSE(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"id: 1\nevent: job.queued\ndata: {\"job_id\":\"a\"}\n\n" +
		"id: 2\nevent: job.finished\ndata: {\"job_id\":\"a\",\n" +
		"data: \"status\":\"succeeded\"}\n\n" +
		"id: 3\nevent: job.started\n"

	ch := make(chan events.Event, 10)
	err := readSSE(context.Background(), strings.NewReader(stream), ch)
	assert.ErrorIs(t, err, io.EOF)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "job.queued", got[0].Type)
	assert.JSONEq(t, `{"job_id":"a"}`, string(got[0].Data))
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, "{\"job_id\":\"a\",\n\"status\":\"succeeded\"}", string(got[1].Data))
}

func TestReadSSEStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan events.Event)
	err := readSSE(ctx, strings.NewReader("id: 1\ndata: {}\n\n"), ch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sign") != "good" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"error":"Signature is invalid","rc":2}`)
			return
		}
		assert.Equal(t, "7", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 8\nevent: job.started\ndata: {\"job_id\":\"b\"}\n\n")
	}))
	defer srv.Close()

	ch := make(chan events.Event, 1)
	err := streamEvents(context.Background(), Client{BaseURL: srv.URL + "/", EventsSign: "good"}, 7, ch)
	assert.ErrorIs(t, err, io.EOF)
	e := <-ch
	assert.Equal(t, int64(8), e.ID)

	err = streamEvents(context.Background(), Client{BaseURL: srv.URL, EventsSign: "bad"}, 0, ch)
	require.Error(t, err)
	assert.Equal(t, "Signature is invalid (rc 2)", err.Error())
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","uptime_seconds":90,"pools":{"async":{"size":4,"running":1,"queued":2}}}`)
	}))
	defer srv.Close()

	msg := fetchHealth(Client{BaseURL: srv.URL})
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, dispatch.Stats{Size: 4, Running: 1, Queued: 2}, h.Pools["async"])

	srv.Close()
	_, ok = fetchHealth(Client{BaseURL: srv.URL}).(errMsg)
	assert.True(t, ok)
}

func TestJobBookLifecycle(t *testing.T) {
	b := newJobBook()
	job := events.JobEvent{JobID: "j1", Pool: "async", Kind: "playbook", Name: "site.yml"}

	assert.True(t, b.apply(jobEvent(t, 1, events.TypeJobQueued, job)))
	assert.Equal(t, statusQueued, b.byID["j1"].Status)

	assert.True(t, b.apply(jobEvent(t, 2, events.TypeJobStarted, job)))
	assert.Equal(t, statusRunning, b.byID["j1"].Status)

	done := job
	done.Status = statusFailed
	done.Error = "unreachable"
	done.DurationMS = 1500
	assert.True(t, b.apply(jobEvent(t, 3, events.TypeJobFinished, done)))
	got := b.byID["j1"]
	assert.Equal(t, statusFailed, got.Status)
	assert.Equal(t, "unreachable", got.Error)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)

	// A late start must not reopen a finished job.
	b.apply(jobEvent(t, 4, events.TypeJobStarted, job))
	assert.Equal(t, statusFailed, b.byID["j1"].Status)

	assert.False(t, b.apply(events.Event{Type: events.TypeJobQueued, Data: json.RawMessage(`not json`)}))
	assert.Equal(t, map[string]int{statusFailed: 1}, b.counts())
}

func TestJobBookTrimsFinishedFirst(t *testing.T) {
	b := newJobBook()
	b.apply(jobEvent(t, 1, events.TypeJobQueued, events.JobEvent{JobID: "running"}))
	for i := range maxTrackedJobs {
		id := fmt.Sprintf("done-%03d", i)
		b.apply(jobEvent(t, int64(i+2), events.TypeJobFinished, events.JobEvent{JobID: id, Status: statusSucceeded}))
	}
	assert.Len(t, b.order, maxTrackedJobs)
	assert.Contains(t, b.byID, "running")
	assert.NotContains(t, b.byID, "done-000")
	assert.Equal(t, fmt.Sprintf("done-%03d", maxTrackedJobs-1), b.newest()[0].ID)
}

func TestModelUpdateAndView(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := *New(context.Background(), Client{BaseURL: "http://127.0.0.1:0"})
	m.now = func() time.Time { return now }

	assert.Equal(t, "Connecting...", m.View())

	step := func(msg tea.Msg) {
		t.Helper()
		next, _ := m.Update(msg)
		m = next.(Model)
	}

	step(tea.WindowSizeMsg{Width: 120, Height: 40})
	step(healthMsg{Status: "ok", UptimeSeconds: 3700, Pools: map[string]dispatch.Stats{
		"async": {Size: 10, Running: 3},
		"sync":  {Size: 10},
	}})
	step(eventMsg(jobEvent(t, 5, events.TypeJobQueued, events.JobEvent{JobID: "abcdef123456", Pool: "async", Kind: "playbook", Name: "deploy.yml"})))
	step(eventMsg(jobEvent(t, 5, events.TypeJobStarted, events.JobEvent{JobID: "abcdef123456"})))

	assert.Equal(t, int64(5), m.lastEventID)
	assert.Len(t, m.eventLog, 1, "replayed event ids are dropped")
	assert.True(t, m.health.Connected)

	view := m.View()
	assert.Contains(t, view, "ANSIBLE API WATCH")
	assert.Contains(t, view, "1h 1m")
	assert.Contains(t, view, "3/10 running")
	assert.Contains(t, view, "deploy.yml")
	assert.Contains(t, view, "abcdef12")

	step(sseDisconnectedMsg{err: io.EOF})
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.View(), "reconnecting")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestActivityDecay(t *testing.T) {
	start := time.Now()
	var a Activity
	a.OnEvent(start)
	a.Decay(start.Add(time.Second))
	assert.Equal(t, 5, a.dots)
	a.Decay(start.Add(5 * time.Second))
	assert.Equal(t, 3, a.dots)
	a.Decay(start.Add(11 * time.Second))
	assert.Equal(t, 0, a.dots)
}

func TestPoolBar(t *testing.T) {
	theme := NewDefaultTheme()
	assert.Equal(t, strings.Repeat("░", 10), poolBar(0, 4, theme))
	assert.Equal(t, strings.Repeat("█", 3)+strings.Repeat("░", 7), poolBar(1, 4, theme))
	assert.Equal(t, strings.Repeat("█", 10), poolBar(4, 4, theme))
	assert.Equal(t, strings.Repeat("░", 10), poolBar(1, 0, theme))
}
