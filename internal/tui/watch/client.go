package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Pools         map[string]dispatch.Stats `json:"pools"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// Client talks to a running ansible-api server.
type Client struct {
	BaseURL string
	// EventsSign is the signature of the literal "events".
	EventsSign string
	HTTP       *http.Client
}

func (c Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// apiError is the {error, rc} body the server answers failures with.
type apiError struct {
	Error string `json:"error"`
	RC    int    `json:"rc"`
}

// --- Commands ---

// subscribeToEvents streams /events into ch, resuming after lastID, until
// the connection drops.
func subscribeToEvents(ctx context.Context, c Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return sseDisconnectedMsg{err: streamEvents(ctx, c, lastID, ch)}
	}
}

func streamEvents(ctx context.Context, c Client, lastID int64, ch chan<- events.Event) error {
	u := strings.TrimRight(c.BaseURL, "/") + "/events?sign=" + url.QueryEscape(c.EventsSign)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return decodeAPIError(resp)
	}
	return readSSE(ctx, resp.Body, ch)
}

// readSSE parses a server-sent event stream. Comment lines are skipped and
// an event is emitted at each blank line that follows data.
func readSSE(ctx context.Context, r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			current.At = time.Now()
			current.Data = json.RawMessage(data.String())
			select {
			case ch <- current:
			case <-ctx.Done():
				return ctx.Err()
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			current.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line[5:], " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(c Client) tea.Msg {
	client := *c.httpClient()
	client.Timeout = 2 * time.Second
	resp, err := client.Get(strings.TrimRight(c.BaseURL, "/") + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg(decodeAPIError(resp))
	}

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

func decodeAPIError(resp *http.Response) error {
	var body apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s (rc %d)", body.Error, body.RC)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}
