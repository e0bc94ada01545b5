package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/auth"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/embedded"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
	"github.com/mattjoyce/stevedore/internal/storage"
)

const adminKey = "admin-key"

type stack struct {
	factory *dispatch.Factory
	hub     *events.Hub
	srv     *httptest.Server
}

// newStack runs the embedded runners on a sqlite broker behind the API.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := queue.NewBroker(db, queue.Config{PollInterval: 5 * time.Millisecond})
	ops := oplog.NewStore(db)
	hub := events.NewHub(64)

	reg := runner.NewRegistry()
	reg.Register(embedded.Definitions()...)
	require.Zero(t, reg.Validate())

	f := dispatch.New(dispatch.Config{Threads: 2, StopPollInterval: 5 * time.Millisecond, StopMaxPolls: 200},
		reg, broker, ops, hub, logger)
	require.NoError(t, f.StartAll(ctx))
	t.Cleanup(func() { _ = f.StopAll(context.Background()) })

	server := api.New(api.Config{
		APIKey: adminKey,
		Tokens: []auth.Token{{Secret: "reader", Scopes: []string{"runners:ro"}}},
	}, f, broker, ops, hub, logger)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &stack{factory: f, hub: hub, srv: srv}
}

func TestClientRunnerLifecycle(t *testing.T) {
	s := newStack(t)
	c := New(s.srv.URL, adminKey)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, len(embedded.IDs()), health.RunnersRegistered)
	assert.Equal(t, len(embedded.IDs()), health.RunnersActive)

	runners, err := c.Runners(ctx)
	require.NoError(t, err)
	require.Len(t, runners, len(embedded.IDs()))

	detail, err := c.Runner(ctx, embedded.SetVariablesID)
	require.NoError(t, err)
	assert.Equal(t, "c-set-variables", detail.Type)
	assert.Equal(t, "BPMN Operation", detail.Collection)

	require.NoError(t, c.StopRunner(ctx, embedded.PingWorkerID))
	assert.False(t, s.factory.IsActive(embedded.PingWorkerID))

	err = c.StopRunner(ctx, embedded.PingWorkerID)
	assert.True(t, IsStatus(err, http.StatusConflict), "got %v", err)

	require.NoError(t, c.StartRunner(ctx, embedded.PingWorkerID, false))
	assert.True(t, s.factory.IsActive(embedded.PingWorkerID))

	err = c.StartRunner(ctx, embedded.PingWorkerID, false)
	assert.True(t, IsStatus(err, http.StatusConflict), "got %v", err)
	require.NoError(t, c.StartRunner(ctx, embedded.PingWorkerID, true))

	_, err = c.Runner(ctx, "nope")
	assert.True(t, IsStatus(err, http.StatusNotFound), "got %v", err)

	ops, err := c.Operations(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ops)
}

func TestClientRunsSetVariablesJob(t *testing.T) {
	s := newStack(t)
	c := New(s.srv.URL, adminKey)
	ctx := context.Background()

	key, err := c.CreateJob(ctx, api.CreateJobRequest{
		Type:      "c-set-variables",
		Variables: map[string]any{"operations": `age=12;name="Bob"`},
	})
	require.NoError(t, err)

	var job *queue.JobRecord
	require.Eventually(t, func() bool {
		job, err = c.Job(ctx, key)
		return err == nil && job.Status == queue.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 12, job.Variables["age"])
	assert.Equal(t, "Bob", job.Variables["name"])

	key, err = c.CreateJob(ctx, api.CreateJobRequest{
		Type:      "c-set-variables",
		Variables: map[string]any{"operations": `x=foo(1)`},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err = c.Job(ctx, key)
		return err == nil && job.Status == queue.StatusErrorThrown
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "UNKNOWN_FUNCTION_ERROR", job.ErrorCode)
}

func TestClientTemplateAndThreads(t *testing.T) {
	s := newStack(t)
	c := New(s.srv.URL, adminKey)
	ctx := context.Background()

	raw, err := c.Template(ctx, embedded.PingConnectorID, "yaml")
	require.NoError(t, err)
	var tpl runner.Template
	require.NoError(t, yaml.Unmarshal(raw, &tpl))
	assert.Equal(t, "c-pingconnector", tpl.Type)

	n, err := c.SetThreads(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = c.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, len(embedded.IDs()), len(activeIDs(s.factory)))
}

func TestClientAuthErrors(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := New(s.srv.URL, "wrong").Runners(ctx)
	assert.True(t, IsStatus(err, http.StatusUnauthorized), "got %v", err)

	reader := New(s.srv.URL, "reader")
	_, err = reader.Runners(ctx)
	require.NoError(t, err)

	err = reader.StopRunner(ctx, embedded.PingWorkerID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "insufficient scope", apiErr.Message)
}

func TestClientEvents(t *testing.T) {
	s := newStack(t)
	c := New(s.srv.URL, adminKey)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch := make(chan events.Event, 64)
	done := make(chan error, 1)
	go func() { done <- c.Events(ctx, ch) }()

	// StartAll already published to the buffer; the stream replays it.
	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != events.RuntimeStarted {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-ctx.Done():
			t.Fatalf("no runtime.started event, saw %v", seen)
		}
	}
	assert.Contains(t, seen, events.RunnerStarted)

	cancel()
	<-done
}

func activeIDs(f *dispatch.Factory) []string {
	var ids []string
	for _, st := range f.List() {
		if st.Active {
			ids = append(ids, st.Definition.ID)
		}
	}
	return ids
}
