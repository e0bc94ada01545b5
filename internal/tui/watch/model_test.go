package watch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/events"
)

type fakeAPI struct {
	runners []api.RunnerSummary
	calls   []string
	stopErr error
}

func (f *fakeAPI) Health(context.Context) (*api.HealthzResponse, error) {
	return &api.HealthzResponse{Status: "ok", RunnersRegistered: len(f.runners)}, nil
}

func (f *fakeAPI) Runners(context.Context) ([]api.RunnerSummary, error) { return f.runners, nil }

func (f *fakeAPI) StartRunner(_ context.Context, id string, restart bool) error {
	if restart {
		f.calls = append(f.calls, "restart:"+id)
	} else {
		f.calls = append(f.calls, "start:"+id)
	}
	return nil
}

func (f *fakeAPI) StopRunner(_ context.Context, id string) error {
	f.calls = append(f.calls, "stop:"+id)
	return f.stopErr
}

func (f *fakeAPI) Events(ctx context.Context, _ chan<- events.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestModel(t *testing.T, f *fakeAPI) Model {
	t.Helper()
	m := New(context.Background(), f)
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, _ = next.(Model).Update(runnersMsg(f.runners))
	return next.(Model)
}

func lifecycleEvent(t *testing.T, typ, runner string) eventMsg {
	t.Helper()
	data, err := json.Marshal(map[string]string{"runner": runner})
	require.NoError(t, err)
	return eventMsg(events.Event{ID: 1, Type: typ, Data: data})
}

func testRunners() []api.RunnerSummary {
	return []api.RunnerSummary{
		{ID: "ping-worker", Type: "c-pingworker", Kind: "worker", Valid: true, Active: true},
		{ID: "broken", Kind: "worker", Valid: false, Errors: []string{"runner [broken]: no identification"}},
	}
}

func TestRunnersRenderAsRows(t *testing.T) {
	m := newTestModel(t, &fakeAPI{runners: testRunners()})

	require.Len(t, m.runners, 2)
	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "ping-worker", rows[0][1])
	assert.Equal(t, "c-pingworker", rows[0][2])
	assert.Equal(t, "-", rows[0][5])

	view := m.View()
	assert.Contains(t, view, "STEVEDORE WATCH")
	assert.Contains(t, view, "RUNNERS")
	assert.Contains(t, view, "no lifecycle events yet")
}

func TestLifecycleEventsUpdateRunnerState(t *testing.T) {
	m := newTestModel(t, &fakeAPI{runners: testRunners()})

	next, cmd := m.Update(lifecycleEvent(t, events.RunnerStopped, "ping-worker"))
	require.NotNil(t, cmd)
	m = next.(Model)

	assert.False(t, m.runners[0].Active)
	assert.Equal(t, m.now(), m.runners[0].LastChange)
	assert.Equal(t, "0s ago", m.table.Rows()[0][5])
	require.Len(t, m.eventLog, 1)
	assert.Equal(t, 5, m.activity.Dots())
	assert.True(t, m.health.Connected)
	assert.Contains(t, m.View(), "ping-worker")
}

func TestEnterTogglesSelectedRunner(t *testing.T) {
	f := &fakeAPI{runners: testRunners()}
	m := newTestModel(t, f)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m = next.(Model)
	assert.Equal(t, "stopping ping-worker...", m.notice)

	msg := cmd()
	require.IsType(t, actionMsg{}, msg)
	assert.Equal(t, []string{"stop:ping-worker"}, f.calls)

	next, cmd = m.Update(msg)
	require.NotNil(t, cmd)
	m = next.(Model)
	assert.Equal(t, "stop ping-worker: done", m.notice)

	next, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"stop:ping-worker", "restart:ping-worker"}, f.calls)
	_ = next
}

func TestFailedActionShowsError(t *testing.T) {
	f := &fakeAPI{runners: testRunners(), stopErr: errors.New("api: 503 runner did not stop in time")}
	m := newTestModel(t, f)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	next, _ := m.Update(cmd())
	m = next.(Model)

	assert.Contains(t, m.lastError, "did not stop in time")
	assert.Contains(t, m.View(), "did not stop in time")
}

func TestMergeRunnersKeepsChangeTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	known := []RunnerState{
		{RunnerSummary: api.RunnerSummary{ID: "a", Active: true}, LastChange: t0},
		{RunnerSummary: api.RunnerSummary{ID: "b", Active: true}, LastChange: t0},
	}
	fresh := []api.RunnerSummary{{ID: "a", Active: true}, {ID: "b", Active: false}, {ID: "c"}}

	got := mergeRunners(known, fresh, t1)
	require.Len(t, got, 3)
	assert.Equal(t, t0, got[0].LastChange)
	assert.Equal(t, t1, got[1].LastChange)
	assert.True(t, got[2].LastChange.IsZero())
}

func TestActivityDecay(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var a Activity
	a.OnEvent(t0)
	assert.Equal(t, 5, a.Dots())

	a.Decay(t0.Add(3 * time.Second))
	assert.Equal(t, 4, a.Dots())

	a.Decay(t0.Add(11 * time.Second))
	assert.Equal(t, 0, a.Dots())
}

func TestDescribeEvent(t *testing.T) {
	ev := events.Event{Type: events.PoolResized, Data: json.RawMessage(`{"from":1,"to":4}`)}
	assert.Equal(t, "threads 1 -> 4", describeEvent(ev))

	ev = events.Event{Type: events.RunnerStarted, Data: json.RawMessage(`{"runner":"a","type":"t"}`)}
	assert.Equal(t, "a (t)", describeEvent(ev))
	assert.Equal(t, "a", eventRunner(ev))
}
