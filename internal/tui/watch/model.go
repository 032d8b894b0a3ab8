package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ansible-api/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	client Client

	width  int
	height int

	health      HealthState
	jobs        *jobBook
	jobTable    table.Model
	eventLog    []events.Event
	lastEventID int64

	ticker   Ticker
	activity Activity
	theme    Theme
	now      func() time.Time

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model for the server behind client. ctx bounds the
// event stream.
func New(ctx context.Context, client Client) *Model {
	return &Model{
		ctx:       ctx,
		client:    client,
		jobs:      newJobBook(),
		jobTable:  newJobTable(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(ctx context.Context, client Client) error {
	_, err := tea.NewProgram(New(ctx, client), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetColumns(jobColumns(m.width - 6))
		m.jobTable.SetHeight(max(5, m.height-24))

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > 0 && e.ID <= m.lastEventID {
			return m, receiveNextEvent(m.hubEvents)
		}
		if e.ID > 0 {
			m.lastEventID = e.ID
		}

		// Newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(m.now())
		if m.jobs.apply(e) {
			m.refreshTable()
		}
		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Pools = msg.Pools
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.client) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v; reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.client) })
	}

	var cmd tea.Cmd
	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) refreshTable() {
	m.jobTable.SetRows(jobRows(m.jobs.newest(), m.now()))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.theme, m.width, m.now()),
		renderJobs(m.jobTable, m.jobs, m.theme, m.width),
	}
	if selected := renderSelected(m.jobTable, m.jobs, m.theme, m.width); selected != "" {
		parts = append(parts, selected)
	}
	parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width))
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select job"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
