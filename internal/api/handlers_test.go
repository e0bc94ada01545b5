package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stevedore/internal/auth"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

const testKey = "test-key-123"

// mockRunners implements RunnerController for testing
type mockRunners struct {
	statuses   []dispatch.Status
	threads    int
	startFunc  func(ctx context.Context, id string) error
	resumeFunc func(ctx context.Context, id string) error
	stopFunc   func(ctx context.Context, id string) error
	resizeFunc func(ctx context.Context, n int) error
}

func (m *mockRunners) List() []dispatch.Status { return m.statuses }
func (m *mockRunners) Threads() int            { return m.threads }

func (m *mockRunners) StartRunner(ctx context.Context, id string) error {
	return m.startFunc(ctx, id)
}

func (m *mockRunners) ResumeRunner(ctx context.Context, id string) error {
	return m.resumeFunc(ctx, id)
}

func (m *mockRunners) StopRunner(ctx context.Context, id string) error {
	return m.stopFunc(ctx, id)
}

func (m *mockRunners) SetThreads(ctx context.Context, n int) error {
	if err := m.resizeFunc(ctx, n); err != nil {
		return err
	}
	m.threads = n
	return nil
}

// mockJobs implements JobStore for testing
type mockJobs struct {
	createFunc func(ctx context.Context, req queue.CreateJobRequest) (string, error)
	getFunc    func(ctx context.Context, key string) (*queue.JobRecord, error)
	depth      int
}

func (m *mockJobs) CreateJob(ctx context.Context, req queue.CreateJobRequest) (string, error) {
	return m.createFunc(ctx, req)
}

func (m *mockJobs) GetJob(ctx context.Context, key string) (*queue.JobRecord, error) {
	return m.getFunc(ctx, key)
}

func (m *mockJobs) Depth(context.Context) (int, error) { return m.depth, nil }

type mockOps struct {
	gotLimit int
	events   []oplog.Event
}

func (m *mockOps) List(_ context.Context, limit int) ([]oplog.Event, error) {
	m.gotLimit = limit
	return m.events, nil
}

func testStatuses() []dispatch.Status {
	reg := runner.NewRegistry()
	noop := runner.WorkerFunc(func(context.Context, *queue.Job, *runner.ExecutionContext) error { return nil })
	reg.Register(
		runner.NewWorker(runner.Metadata{
			Type: "c-greet",
			Name: "GreetWorker",
			Inputs: []runner.Parameter{
				runner.Param("name", "Name", runner.ValueString, runner.LevelRequired, "who").WithDefault("world"),
			},
			Errors: []runner.ErrorDecl{{Code: "NO_NAME", Description: "no name"}},
		}, noop),
		runner.NewWorker(runner.Metadata{ID: "broken"}, noop),
	)
	reg.Validate()

	var out []dispatch.Status
	for _, def := range reg.All() {
		out = append(out, dispatch.Status{Definition: def, Active: def.ID == "GreetWorker"})
	}
	return out
}

func newTestServer(rc *mockRunners, jobs *mockJobs, ops OperationLister, hub *events.Hub) *Server {
	config := Config{
		Listen: "localhost:8080",
		APIKey: testKey,
		Tokens: []auth.Token{{Secret: "ro-token", Scopes: []string{"runners:ro"}}},
	}
	return New(config, rc, jobs, ops, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	s := newTestServer(&mockRunners{statuses: testStatuses(), threads: 3}, &mockJobs{depth: 7}, nil, nil)

	rr := do(t, s, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 7, resp.QueueDepth)
	assert.Equal(t, 3, resp.Threads)
	assert.Equal(t, 2, resp.RunnersRegistered)
	assert.Equal(t, 1, resp.RunnersActive)
	assert.Equal(t, 1, resp.RunnersInvalid)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func TestMetricsEndpoint_NoAuth(t *testing.T) {
	s := newTestServer(&mockRunners{}, &mockJobs{}, nil, nil)
	rr := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "stevedore_active_runners")
}

func TestAuth(t *testing.T) {
	s := newTestServer(&mockRunners{statuses: testStatuses()}, &mockJobs{}, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/runners", "", http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/runners", "nope", http.StatusUnauthorized},
		{"read token can list", http.MethodGet, "/runners", "ro-token", http.StatusOK},
		{"read token can't stop", http.MethodPost, "/runners/GreetWorker/stop", "ro-token", http.StatusForbidden},
		{"read token can't read jobs", http.MethodGet, "/jobs/k", "ro-token", http.StatusForbidden},
		{"read token can read threads", http.MethodGet, "/settings/threads", "ro-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestListAndGetRunner(t *testing.T) {
	s := newTestServer(&mockRunners{statuses: testStatuses()}, &mockJobs{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/runners", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[RunnerListResponse](t, rr)
	require.Len(t, list.Runners, 2)
	greet := list.Runners[0]
	assert.Equal(t, "GreetWorker", greet.ID)
	assert.Equal(t, "Greet worker", greet.Label)
	assert.Equal(t, "worker", greet.Kind)
	assert.True(t, greet.Active)
	assert.True(t, greet.Valid)
	assert.False(t, list.Runners[1].Valid)
	assert.NotEmpty(t, list.Runners[1].Errors)

	rr = do(t, s, http.MethodGet, "/runners/GreetWorker", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[RunnerDetailResponse](t, rr)
	require.Len(t, detail.Inputs, 1)
	assert.Equal(t, "name", detail.Inputs[0].Name)
	assert.Equal(t, "world", detail.Inputs[0].Default)
	require.Len(t, detail.DeclaredErrors, 1)
	assert.Equal(t, "NO_NAME", detail.DeclaredErrors[0].Code)

	rr = do(t, s, http.MethodGet, "/runners/missing", testKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTemplateDownload(t *testing.T) {
	s := newTestServer(&mockRunners{statuses: testStatuses()}, &mockJobs{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/runners/GreetWorker/template", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `GreetWorker.json`)
	jsonTpl := decode[runner.Template](t, rr)
	assert.Equal(t, "c-greet", jsonTpl.Type)

	rr = do(t, s, http.MethodGet, "/runners/GreetWorker/template?format=yaml", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
	var yamlTpl runner.Template
	require.NoError(t, yaml.Unmarshal(rr.Body.Bytes(), &yamlTpl))
	inputs, _ := yamlTpl.Parameters()
	require.Len(t, inputs, 1)
	assert.Equal(t, runner.LevelRequired, inputs[0].Level)

	rr = do(t, s, http.MethodGet, "/runners/GreetWorker/template?format=xml", testKey, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartRunnerRestartFlag(t *testing.T) {
	var calls []string
	rc := &mockRunners{
		startFunc:  func(_ context.Context, id string) error { calls = append(calls, "start:"+id); return nil },
		resumeFunc: func(_ context.Context, id string) error { calls = append(calls, "resume:"+id); return nil },
	}
	s := newTestServer(rc, &mockJobs{}, nil, nil)

	rr := do(t, s, http.MethodPost, "/runners/a/start", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[RunnerStateResponse](t, rr).Active)

	rr = do(t, s, http.MethodPost, "/runners/a/start?restart=false", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodPost, "/runners/a/start?restart=maybe", testKey, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, []string{"start:a", "resume:a"}, calls)
}

func TestLifecycleErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &dispatch.LifecycleError{Kind: dispatch.ErrWorkerNotFound, ID: "x"}, http.StatusNotFound},
		{"invalid", &dispatch.LifecycleError{Kind: dispatch.ErrWorkerInvalidDefinition, ID: "x"}, http.StatusConflict},
		{"already started", &dispatch.LifecycleError{Kind: dispatch.ErrAlreadyStarted, ID: "x"}, http.StatusConflict},
		{"already stopped", &dispatch.LifecycleError{Kind: dispatch.ErrAlreadyStopped, ID: "x"}, http.StatusConflict},
		{"can't stop", &dispatch.LifecycleError{Kind: dispatch.ErrCantStopRunner, ID: "x"}, http.StatusServiceUnavailable},
		{"other", errors.New("broker down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &mockRunners{stopFunc: func(context.Context, string) error { return tt.err }}
			s := newTestServer(rc, &mockJobs{}, nil, nil)

			rr := do(t, s, http.MethodPost, "/runners/x/stop", testKey, "")
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, tt.err.Error(), decode[ErrorResponse](t, rr).Error)
		})
	}
}

func TestThreadsSettings(t *testing.T) {
	var resized []int
	rc := &mockRunners{
		threads:    1,
		resizeFunc: func(_ context.Context, n int) error { resized = append(resized, n); return nil },
	}
	s := newTestServer(rc, &mockJobs{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/settings/threads", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[ThreadsResponse](t, rr).Threads)

	rr = do(t, s, http.MethodPut, "/settings/threads", testKey, `{"threads":4}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 4, decode[ThreadsResponse](t, rr).Threads)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/settings/threads", testKey, `{"threads":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/settings/threads", testKey, `nope`).Code)
	assert.Equal(t, []int{4}, resized)
}

func TestCreateAndGetJob(t *testing.T) {
	var got queue.CreateJobRequest
	jobs := &mockJobs{
		createFunc: func(_ context.Context, req queue.CreateJobRequest) (string, error) {
			got = req
			return "job-42", nil
		},
		getFunc: func(_ context.Context, key string) (*queue.JobRecord, error) {
			if key != "job-42" {
				return nil, queue.ErrJobNotFound
			}
			return &queue.JobRecord{Key: key, Type: "c-greet", Status: queue.StatusCompleted}, nil
		},
	}
	s := newTestServer(&mockRunners{}, jobs, nil, nil)

	rr := do(t, s, http.MethodPost, "/jobs", testKey,
		`{"type":"c-greet","variables":{"name":"Ada"},"customHeaders":{"resultVariable":"out"},"retries":2}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "job-42", decode[CreateJobResponse](t, rr).Key)
	assert.Equal(t, "c-greet", got.Type)
	assert.Equal(t, "Ada", got.Variables["name"])
	assert.Equal(t, "out", got.CustomHeaders["resultVariable"])
	assert.Equal(t, 2, got.Retries)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/jobs", testKey, `{"variables":{}}`).Code)

	rr = do(t, s, http.MethodGet, "/jobs/job-42", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, queue.StatusCompleted, decode[queue.JobRecord](t, rr).Status)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/jobs/other", testKey, "").Code)
}

func TestListOperations(t *testing.T) {
	ops := &mockOps{events: []oplog.Event{{ID: "1", Kind: oplog.KindStartRunner, Runner: "a"}}}
	s := newTestServer(&mockRunners{}, &mockJobs{}, ops, nil)

	rr := do(t, s, http.MethodGet, "/operations?limit=5", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[OperationsResponse](t, rr)
	require.Len(t, resp.Operations, 1)
	assert.Equal(t, oplog.KindStartRunner, resp.Operations[0].Kind)
	assert.Equal(t, 5, ops.gotLimit)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/operations?limit=-1", testKey, "").Code)

	noOps := newTestServer(&mockRunners{}, &mockJobs{}, nil, nil)
	rr = do(t, noOps, http.MethodGet, "/operations", testKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[OperationsResponse](t, rr).Operations)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.RunnerStarted, map[string]string{"runner": "a"})
	s := newTestServer(&mockRunners{}, &mockJobs{}, nil, hub)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"id: 1", "event: runner.started", `data: {"runner":"a"}`}, lines)
}

func TestEventsStreamFiltersAndResumes(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.RunnerStarted, map[string]string{"runner": "a"})
	hub.Publish(events.RunnerStopped, map[string]string{"runner": "a"})
	hub.Publish(events.RunnerStopped, map[string]string{"runner": "b"})
	s := newTestServer(&mockRunners{}, &mockJobs{}, nil, hub)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types=runner.stopped,%20", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"id: 3", "event: runner.stopped", `data: {"runner":"b"}`}, lines)
}

func TestResumeID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?since=7", nil)
	assert.Equal(t, int64(7), resumeID(req))

	req.Header.Set("Last-Event-ID", "12")
	assert.Equal(t, int64(12), resumeID(req))

	for _, bad := range []string{"x", "-3"} {
		req.Header.Set("Last-Event-ID", bad)
		assert.Equal(t, int64(0), resumeID(req), bad)
	}
}

func TestEventTypes(t *testing.T) {
	assert.Nil(t, eventTypes(""))
	assert.Equal(t, []string{"runner.started", "pool.resized"}, eventTypes(" runner.started,,pool.resized "))
}
