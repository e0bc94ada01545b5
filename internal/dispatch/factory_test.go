package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stevedore/internal/dispatch/mocks"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func noop() runner.Worker {
	return runner.WorkerFunc(func(context.Context, *queue.Job, *runner.ExecutionContext) error { return nil })
}

func newRegistry(defs ...*runner.Definition) *runner.Registry {
	r := runner.NewRegistry()
	r.Register(defs...)
	r.Validate()
	return r
}

// controllableSub returns a subscription that closes when asked.
func controllableSub(ctrl *gomock.Controller) *mocks.MockSubscription {
	var closed atomic.Bool
	sub := mocks.NewMockSubscription(ctrl)
	sub.EXPECT().IsClosed().DoAndReturn(closed.Load).AnyTimes()
	sub.EXPECT().Close().Do(func() { closed.Store(true) }).AnyTimes()
	return sub
}

// stuckSub returns a subscription that never confirms closure.
func stuckSub(ctrl *gomock.Controller) *mocks.MockSubscription {
	sub := mocks.NewMockSubscription(ctrl)
	sub.EXPECT().IsClosed().Return(false).AnyTimes()
	sub.EXPECT().Close().AnyTimes()
	return sub
}

type kindRecorder struct {
	mu    sync.Mutex
	kinds []oplog.Kind
}

func (k *kindRecorder) record(_ context.Context, ev oplog.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kinds = append(k.kinds, ev.Kind)
	return nil
}

func (k *kindRecorder) snapshot() []oplog.Kind {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]oplog.Kind(nil), k.kinds...)
}

func recordingOps(ctrl *gomock.Controller) (*mocks.MockOperationLog, *kindRecorder) {
	rec := &kindRecorder{}
	ops := mocks.NewMockOperationLog(ctrl)
	ops.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(rec.record).AnyTimes()
	return ops, rec
}

func fastConfig() Config {
	return Config{Threads: 2, StopPollInterval: time.Millisecond, StopMaxPolls: 5}
}

func TestStartRunnerUnknown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, nil, nil, logger)

	err := f.StartRunner(context.Background(), "missing")
	require.ErrorIs(t, err, ErrWorkerNotFound)
	var lerr *LifecycleError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "missing", lerr.ID)

	assert.ErrorIs(t, f.StopRunner(context.Background(), "missing"), ErrWorkerNotFound)
	assert.Len(t, f.List(), 1)
	assert.False(t, f.List()[0].Active)
}

func TestStartRunnerInvalidStaysStopped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops, rec := recordingOps(ctrl)
	logger, _ := NewTestSlogger()
	reg := newRegistry(
		runner.NewWorker(runner.Metadata{ID: "a", Type: "dup"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "b", Type: "dup"}, noop()),
	)
	f := New(fastConfig(), reg, client, ops, nil, logger)

	err := f.StartRunner(context.Background(), "a")
	require.ErrorIs(t, err, ErrWorkerInvalidDefinition)
	var lerr *LifecycleError
	require.True(t, errors.As(err, &lerr))
	assert.NotEmpty(t, lerr.Details)
	assert.False(t, f.IsActive("a"))
	assert.Equal(t, []oplog.Kind{oplog.KindError}, rec.snapshot())
}

func TestStartAllSkipsInvalidAndDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	reg := newRegistry(
		runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "beta", Type: "t-beta"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "off", Type: "t-off"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "dup1", Type: "t-dup"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "dup2", Type: "t-dup"}, noop()),
	)
	cfg := fastConfig()
	cfg.Disabled = map[string]bool{"off": true}
	f := New(cfg, reg, client, nil, nil, logger)

	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req queue.SubscriptionRequest) (queue.Subscription, error) {
			switch req.JobType {
			case "t-alpha":
				assert.Equal(t, "alpha", req.Name)
				assert.Equal(t, []string{}, req.FetchVariables)
				assert.NotNil(t, req.Handler)
				return controllableSub(ctrl), nil
			case "t-beta":
				return nil, errors.New("broker unavailable")
			}
			t.Fatalf("unexpected subscription for %s", req.JobType)
			return nil, nil
		}).Times(2)

	err := f.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beta")

	assert.True(t, f.IsActive("alpha"))
	assert.False(t, f.IsActive("beta"))
	assert.False(t, f.IsActive("off"))
	assert.False(t, f.IsActive("dup1"))
	assert.False(t, f.IsActive("dup2"))
}

func TestStartStopRunner(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops, rec := recordingOps(ctrl)
	hub := events.NewHub(16)
	logger, _ := NewTestSlogger()
	def := runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha", Inputs: []runner.Parameter{
		runner.Param("message", "Message", runner.ValueString, runner.LevelOptional, ""),
	}}, noop())
	f := New(fastConfig(), newRegistry(def), client, ops, hub, logger)

	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req queue.SubscriptionRequest) (queue.Subscription, error) {
			assert.Equal(t, []string{"message"}, req.FetchVariables)
			return controllableSub(ctrl), nil
		})

	ctx := context.Background()
	require.NoError(t, f.StartRunner(ctx, "alpha"))
	assert.True(t, f.IsActive("alpha"))

	require.NoError(t, f.StopRunner(ctx, "alpha"))
	assert.False(t, f.IsActive("alpha"))
	assert.ErrorIs(t, f.StopRunner(ctx, "alpha"), ErrAlreadyStopped)

	assert.Equal(t, []oplog.Kind{oplog.KindStartRunner, oplog.KindStopRunner}, rec.snapshot())

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.RunnerStarted, events.RunnerStopped}, types)
}

func TestRestartAllocatesFreshHandle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, nil, nil, logger)

	first, second := controllableSub(ctrl), controllableSub(ctrl)
	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	gomock.InOrder(
		client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(first, nil),
		client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(second, nil),
	)

	ctx := context.Background()
	require.NoError(t, f.StartRunner(ctx, "alpha"))
	require.NoError(t, f.StartRunner(ctx, "alpha"))

	assert.True(t, first.IsClosed(), "previous handle is closed before reopening")
	assert.False(t, second.IsClosed())
	assert.True(t, f.IsActive("alpha"))

	err := f.ResumeRunner(ctx, "alpha")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStopRunnerTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops, rec := recordingOps(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, ops, nil, logger)

	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(stuckSub(ctrl), nil)

	ctx := context.Background()
	require.NoError(t, f.StartRunner(ctx, "alpha"))

	err := f.StopRunner(ctx, "alpha")
	require.ErrorIs(t, err, ErrCantStopRunner)
	assert.True(t, f.IsActive("alpha"), "runner stays registered as running")
	assert.Equal(t, []oplog.Kind{oplog.KindStartRunner, oplog.KindError}, rec.snapshot())
}

func TestOperationLogFailureDoesNotChangeOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops := mocks.NewMockOperationLog(ctrl)
	ops.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).AnyTimes()
	logger, logBuf := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, ops, nil, logger)

	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(controllableSub(ctrl), nil)

	require.NoError(t, f.StartRunner(context.Background(), "alpha"))
	assert.True(t, f.IsActive("alpha"))
	assert.Contains(t, logBuf.String(), "failed to record operation")
}

func TestSetThreadsReopensActiveRunners(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops, rec := recordingOps(ctrl)
	logger, _ := NewTestSlogger()
	reg := newRegistry(
		runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "beta", Type: "t-beta"}, noop()),
	)
	f := New(fastConfig(), reg, client, ops, nil, logger)

	var opened []string
	var mu sync.Mutex
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req queue.SubscriptionRequest) (queue.Subscription, error) {
			mu.Lock()
			opened = append(opened, req.Name)
			mu.Unlock()
			return controllableSub(ctrl), nil
		}).AnyTimes()
	gomock.InOrder(
		client.EXPECT().Connect(gomock.Any(), 2).Return(nil),
		client.EXPECT().Disconnect().Return(nil),
		client.EXPECT().Connect(gomock.Any(), 4).Return(nil),
	)

	ctx := context.Background()
	require.NoError(t, f.StartAll(ctx))
	require.NoError(t, f.StopRunner(ctx, "beta"))

	assert.Error(t, f.SetThreads(ctx, 0))
	require.NoError(t, f.SetThreads(ctx, 4))

	assert.Equal(t, 4, f.Threads())
	assert.True(t, f.IsActive("alpha"))
	assert.False(t, f.IsActive("beta"), "operator-stopped runner stays stopped")

	mu.Lock()
	assert.Equal(t, []string{"alpha", "beta", "alpha"}, opened)
	mu.Unlock()
	assert.Contains(t, rec.snapshot(), oplog.KindSetThreads)
}

func TestSetThreadsWhileDisconnectedOnlyRecordsSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(), client, nil, nil, logger)

	require.NoError(t, f.SetThreads(context.Background(), 8))
	assert.Equal(t, 8, f.Threads())
}

func TestStopAllDisconnects(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, nil, nil, logger)

	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(controllableSub(ctrl), nil)
	client.EXPECT().Disconnect().Return(nil)

	ctx := context.Background()
	require.NoError(t, f.StartAll(ctx))
	require.NoError(t, f.StopAll(ctx))
	assert.False(t, f.IsActive("alpha"))

	// A second StopAll has nothing to release.
	require.NoError(t, f.StopAll(ctx))
}

func TestStuckRunnerKeepsConnectionOnResize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	ops, rec := recordingOps(ctrl)
	logger, _ := NewTestSlogger()
	reg := newRegistry(
		runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop()),
		runner.NewWorker(runner.Metadata{ID: "beta", Type: "t-beta"}, noop()),
	)
	f := New(fastConfig(), reg, client, ops, nil, logger)

	var opened []string
	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req queue.SubscriptionRequest) (queue.Subscription, error) {
			opened = append(opened, req.Name)
			if req.Name == "alpha" {
				return stuckSub(ctrl), nil
			}
			return controllableSub(ctrl), nil
		}).AnyTimes()
	// Disconnect is never expected: the stuck job would hold it forever.

	ctx := context.Background()
	require.NoError(t, f.StartAll(ctx))

	err := f.SetThreads(ctx, 4)
	require.ErrorIs(t, err, ErrCantStopRunner)
	assert.Equal(t, 2, f.Threads(), "pool keeps its size")
	assert.True(t, f.IsActive("alpha"))
	assert.True(t, f.IsActive("beta"), "stopped runners go back on the pool")
	assert.Equal(t, []string{"alpha", "beta", "beta"}, opened)
	assert.NotContains(t, rec.snapshot(), oplog.KindSetThreads)

	// The lifecycle lock is free again.
	require.NoError(t, f.StopRunner(ctx, "beta"))
	err = f.StopAll(ctx)
	require.ErrorIs(t, err, ErrCantStopRunner)
	assert.NotContains(t, rec.snapshot(), oplog.KindStopRuntime)
}

func TestReopenAfterExternalCloseKeepsGaugeBalanced(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockQueueClient(ctrl)
	logger, _ := NewTestSlogger()
	f := New(fastConfig(), newRegistry(runner.NewWorker(runner.Metadata{ID: "alpha", Type: "t-alpha"}, noop())), client, nil, nil, logger)

	first := controllableSub(ctrl)
	client.EXPECT().Connect(gomock.Any(), 2).Return(nil)
	gomock.InOrder(
		client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(first, nil),
		client.EXPECT().OpenSubscription(gomock.Any(), gomock.Any()).Return(controllableSub(ctrl), nil),
	)

	before := testutil.ToFloat64(activeRunners)
	ctx := context.Background()
	require.NoError(t, f.StartAll(ctx))

	// The queue closed the handle behind the factory's back.
	first.Close()
	require.False(t, f.IsActive("alpha"))

	require.NoError(t, f.StartAll(ctx))
	assert.True(t, f.IsActive("alpha"))
	assert.Equal(t, before+1, testutil.ToFloat64(activeRunners))
}

func TestLifecycleErrorMessage(t *testing.T) {
	err := lifecycleError(ErrWorkerInvalidDefinition, "alpha", "no type", "bad param")
	assert.Equal(t, "alpha: runner definition is invalid (no type; bad param)", err.Error())
	assert.ErrorIs(t, err, ErrWorkerInvalidDefinition)
}
