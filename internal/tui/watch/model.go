package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/history"
)

// Model is the main BubbleTea model for the watch TUI. The status API has
// no push channel, so everything is driven by a one-second tick: events are
// polled every tick via the ring-buffer cursor, health and recorded history
// every fifth tick.
type Model struct {
	apiURL string

	width  int
	height int

	// State
	health      HealthState
	runs        map[string]*RunState
	eventLog    []events.Event
	lastEventID int64
	tickCount   int

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme    Theme
	runTable table.Model

	// Error display
	lastError string
}

// New creates a watch model polling the given status-API base URL.
func New(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Core", Width: 20},
			{Title: "Verdict", Width: 10},
			{Title: "Started", Width: 12},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:   apiURL,
		runs:     make(map[string]*RunState),
		eventLog: make([]events.Event, 0),
		ticker:   NewTicker(),
		spinner:  NewSpinner(),
		theme:    NewDefaultTheme(),
		runTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchHealth(m.apiURL),
		fetchRuns(m.apiURL),
		fetchEvents(m.apiURL, 0),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		m.tickCount++

		cmds := []tea.Cmd{
			fetchEvents(m.apiURL, m.lastEventID),
			tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		}
		if m.tickCount%5 == 0 {
			cmds = append(cmds, fetchHealth(m.apiURL), fetchRuns(m.apiURL))
		}
		return m, tea.Batch(cmds...)

	case eventsMsg:
		for _, e := range m.eventLogMerge(msg) {
			updateRunState(m.runs, e)
		}
		if len(msg) > 0 {
			m.spinner.OnEvent()
		}
		m.health.Connected = true
		m.lastError = ""

	case runsMsg:
		m.runTable.SetRows(runRows(msg))

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

// eventLogMerge appends newly polled events (newest first in the log),
// advances the ring-buffer cursor, and returns them oldest-first for state
// replay.
func (m *Model) eventLogMerge(evs []events.Event) []events.Event {
	for _, e := range evs {
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.eventLog = append([]events.Event{e}, m.eventLog...)
	}
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}
	return evs
}

func runRows(runs []history.RunSummary) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		started := "-"
		if !r.StartedAt.IsZero() {
			started = formatAgo(time.Since(r.StartedAt).Round(time.Second))
		}
		duration := "-"
		if !r.CompletedAt.IsZero() && !r.StartedAt.IsZero() {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, table.Row{id, r.Core, string(r.Verdict), started, duration})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	live := renderRuns(m.runs, m.theme, m.width)
	recorded := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("RECENT RUNS"),
			m.runTable.View(),
		),
	)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll Runs")

	parts := []string{header, live, recorded, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
