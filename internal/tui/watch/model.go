package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/events"
)

// Model is the BubbleTea model of the watch view.
type Model struct {
	ctx context.Context
	api API
	now func() time.Time

	width  int
	height int

	health   HealthState
	runners  []RunnerState
	table    table.Model
	eventLog []events.Event

	ticker   Ticker
	activity Activity
	theme    Theme

	hubEvents chan events.Event

	notice    string
	lastError string
}

// New builds the watch model. ctx bounds the event subscription.
func New(ctx context.Context, c API) Model {
	return Model{
		ctx:       ctx,
		api:       c,
		now:       time.Now,
		table:     newRunnerTable(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     DefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.api, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.ctx, m.api) },
		func() tea.Msg { return fetchRunners(m.ctx, m.api) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter", " ":
			if r := m.selected(); r != nil {
				verb := "starting"
				if r.Active {
					verb = "stopping"
				}
				m.notice = fmt.Sprintf("%s %s...", verb, r.ID)
				return m, toggleRunner(m.ctx, m.api, r.ID, r.Active)
			}
			return m, nil
		case "r":
			if r := m.selected(); r != nil {
				m.notice = fmt.Sprintf("restarting %s...", r.ID)
				return m, restartRunner(m.ctx, m.api, r.ID)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		m.table.SetRows(runnerRows(m.runners, m.theme, m.now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		switch e.Type {
		case events.RunnerStarted:
			setActive(m.runners, eventRunner(e), true, m.now())
		case events.RunnerStopped:
			setActive(m.runners, eventRunner(e), false, m.now())
		case events.RuntimeStarted, events.RuntimeStopped, events.PoolResized:
			cmds = append(cmds, func() tea.Msg { return fetchRunners(m.ctx, m.api) })
		}
		m.table.SetRows(runnerRows(m.runners, m.theme, m.now()))
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.HealthzResponse = api.HealthzResponse(msg)
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.api)
		})

	case runnersMsg:
		m.runners = mergeRunners(m.runners, msg, m.now())
		m.table.SetRows(runnerRows(m.runners, m.theme, m.now()))
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.notice = ""
			m.lastError = fmt.Sprintf("%s %s: %v", msg.verb, msg.id, msg.err)
		} else {
			m.notice = fmt.Sprintf("%s %s: done", msg.verb, msg.id)
		}
		return m, func() tea.Msg { return fetchRunners(m.ctx, m.api) }

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.api, m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.ctx, m.api)
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// selected is the runner under the table cursor.
func (m Model) selected() *RunnerState {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.runners) {
		return nil
	}
	r := m.runners[i]
	return &r
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to stevedore..."
	}

	now := m.now()
	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.theme, m.width, now),
		renderRunners(m.table, m.selected(), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Bad.Render(" ⚠ "+m.lastError))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Accent.Render(" "+m.notice))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [enter] Start/Stop • [r] Restart"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
