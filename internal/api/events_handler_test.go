package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvents_ReplaysAndStreams(t *testing.T) {
	e := newTestEnv(t, Config{})
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	e.hub.Publish("job.queued", map[string]string{"job_id": "j1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?sign="+e.signer.Sign("events"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	assert.Equal(t, []string{"id: 1", "event: job.queued", `data: {"job_id":"j1"}`}, readEvent())

	e.hub.Publish("job.finished", map[string]string{"job_id": "j1"})
	assert.Equal(t, []string{"id: 2", "event: job.finished", `data: {"job_id":"j1"}`}, readEvent())
}

func TestHandleEvents_LastEventID(t *testing.T) {
	e := newTestEnv(t, Config{})
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	e.hub.Publish("a", nil)
	e.hub.Publish("b", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?sign="+e.signer.Sign("events"), nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "id: 2\n", line)
}

func TestHandleEvents_BadSignature(t *testing.T) {
	e := newTestEnv(t, Config{})
	rec := e.do(t, http.MethodGet, "/events?sign=nope", nil)
	requireProtocolError(t, rec, "Sign is error", 2)
}

func TestParseLastEventID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"7", 7},
		{"-3", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLastEventID(tt.in), "input %q", tt.in)
	}
}
