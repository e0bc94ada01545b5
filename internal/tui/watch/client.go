package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/events"
)

// API is the part of the admin client the watch view needs.
type API interface {
	Health(ctx context.Context) (*api.HealthzResponse, error)
	Runners(ctx context.Context) ([]api.RunnerSummary, error)
	StartRunner(ctx context.Context, id string, restart bool) error
	StopRunner(ctx context.Context, id string) error
	Events(ctx context.Context, ch chan<- events.Event) error
}

type eventMsg events.Event

type healthMsg api.HealthzResponse

type runnersMsg []api.RunnerSummary

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// actionMsg reports the outcome of a start or stop issued from the view.
type actionMsg struct {
	verb string
	id   string
	err  error
}

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

const requestTimeout = 3 * time.Second

// subscribeToEvents feeds the SSE stream into ch and reports the drop.
func subscribeToEvents(ctx context.Context, c API, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Events(ctx, ch)
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(ctx context.Context, c API) tea.Msg {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	h, err := c.Health(ctx)
	if err != nil {
		return errMsg{err}
	}
	return healthMsg(*h)
}

func fetchRunners(ctx context.Context, c API) tea.Msg {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	rs, err := c.Runners(ctx)
	if err != nil {
		return errMsg{err}
	}
	return runnersMsg(rs)
}

// toggleRunner stops an active runner and starts an inactive one.
func toggleRunner(ctx context.Context, c API, id string, active bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if active {
			return actionMsg{verb: "stop", id: id, err: c.StopRunner(ctx, id)}
		}
		return actionMsg{verb: "start", id: id, err: c.StartRunner(ctx, id, false)}
	}
}

func restartRunner(ctx context.Context, c API, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return actionMsg{verb: "restart", id: id, err: c.StartRunner(ctx, id, true)}
	}
}
