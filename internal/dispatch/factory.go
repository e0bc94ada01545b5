package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

const (
	DefaultStopPollInterval = 100 * time.Millisecond
	DefaultStopMaxPolls     = 600
	DefaultThreads          = 1
)

// Config tunes the factory.
type Config struct {
	Threads          int
	StopPollInterval time.Duration
	StopMaxPolls     int
	// Disabled runners are skipped by StartAll but can still be started
	// one by one.
	Disabled map[string]bool
}

func (c Config) withDefaults() Config {
	if c.Threads < 1 {
		c.Threads = DefaultThreads
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = DefaultStopPollInterval
	}
	if c.StopMaxPolls <= 0 {
		c.StopMaxPolls = DefaultStopMaxPolls
	}
	return c
}

type instance struct {
	def *runner.Definition
	sub queue.Subscription
}

// Status is a point-in-time view of one runner.
type Status struct {
	Definition *runner.Definition
	Active     bool
}

// Factory starts and stops runners on a shared queue connection.
type Factory struct {
	registry *runner.Registry
	client   QueueClient
	ops      OperationLog
	hub      *events.Hub
	cfg      Config
	logger   *slog.Logger

	// lifecycle serializes transitions; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	instances map[string]*instance
	threads   int
	connected bool
}

// New builds a Factory. ops and hub may be nil.
func New(cfg Config, registry *runner.Registry, client QueueClient, ops OperationLog, hub *events.Hub, logger *slog.Logger) *Factory {
	cfg = cfg.withDefaults()
	return &Factory{
		registry:  registry,
		client:    client,
		ops:       ops,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*instance),
		threads:   cfg.Threads,
	}
}

// StartAll connects the queue and opens a subscription for every valid,
// enabled runner that is not already active. Per-runner failures are logged
// and returned joined; they do not stop the loop.
func (f *Factory) StartAll(ctx context.Context) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	return f.startAllLocked(ctx, nil)
}

// startAllLocked starts every eligible runner, or only those in only when
// it is not nil.
func (f *Factory) startAllLocked(ctx context.Context, only map[string]bool) error {
	if err := f.connectLocked(ctx); err != nil {
		f.record(ctx, oplog.KindError, "", fmt.Sprintf("connect queue: %v", err))
		return fmt.Errorf("connect queue: %w", err)
	}

	var errs []error
	started := 0
	for _, def := range f.registry.All() {
		if only != nil && !only[def.ID] {
			continue
		}
		if !def.Valid {
			f.logger.Warn("skipping invalid runner", "runner", def.ID, "errors", def.DefinitionErrors)
			continue
		}
		if only == nil && f.cfg.Disabled[def.ID] {
			f.logger.Info("runner disabled by configuration", "runner", def.ID)
			continue
		}
		if f.IsActive(def.ID) {
			continue
		}
		if err := f.openLocked(ctx, def); err != nil {
			f.logger.Error("failed to start runner", "runner", def.ID, "error", err)
			errs = append(errs, fmt.Errorf("start %s: %w", def.ID, err))
			continue
		}
		started++
	}

	f.record(ctx, oplog.KindStartRuntime, "", fmt.Sprintf("runtime started: %d runners, %d threads", started, f.Threads()))
	f.publish(events.RuntimeStarted, map[string]any{"runners": started, "threads": f.Threads()})
	return errors.Join(errs...)
}

// StopAll stops every active runner, then releases the queue connection.
func (f *Factory) StopAll(ctx context.Context) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()
	_, err := f.stopAllLocked(ctx)
	return err
}

// stopAllLocked returns the identifiers it stopped. When a runner cannot be
// stopped the queue connection stays up: releasing it would wait on the
// stuck job.
func (f *Factory) stopAllLocked(ctx context.Context) ([]string, error) {
	var (
		errs  []error
		ids   []string
		stuck []string
	)
	for _, id := range f.instanceIDs() {
		err := f.stopLocked(ctx, id)
		switch {
		case err == nil:
			ids = append(ids, id)
		case errors.Is(err, ErrAlreadyStopped):
		case errors.Is(err, ErrCantStopRunner):
			stuck = append(stuck, id)
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}

	if len(stuck) > 0 {
		f.logger.Warn("queue connection kept open", "stuck", stuck)
		f.record(ctx, oplog.KindError, "", fmt.Sprintf("runtime not stopped: %d runners stuck", len(stuck)))
		return ids, errors.Join(errs...)
	}

	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()
	if wasConnected {
		if err := f.client.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect queue: %w", err))
		}
	}

	f.record(ctx, oplog.KindStopRuntime, "", fmt.Sprintf("runtime stopped: %d runners", len(ids)))
	f.publish(events.RuntimeStopped, map[string]any{"runners": len(ids)})
	return ids, errors.Join(errs...)
}

// StartRunner starts id, restarting it with a fresh subscription when it is
// already active.
func (f *Factory) StartRunner(ctx context.Context, id string) error {
	return f.start(ctx, id, true)
}

// ResumeRunner starts id, failing with ErrAlreadyStarted when it is active.
func (f *Factory) ResumeRunner(ctx context.Context, id string) error {
	return f.start(ctx, id, false)
}

func (f *Factory) start(ctx context.Context, id string, restart bool) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	def, ok := f.registry.Get(id)
	if !ok {
		transitionsTotal.WithLabelValues("start", "not_found").Inc()
		return lifecycleError(ErrWorkerNotFound, id)
	}
	if !def.Valid {
		transitionsTotal.WithLabelValues("start", "invalid").Inc()
		f.record(ctx, oplog.KindError, id, "start refused: invalid definition")
		return lifecycleError(ErrWorkerInvalidDefinition, id, def.DefinitionErrors...)
	}
	if f.IsActive(id) {
		if !restart {
			transitionsTotal.WithLabelValues("start", "already_started").Inc()
			return lifecycleError(ErrAlreadyStarted, id)
		}
		if err := f.stopLocked(ctx, id); err != nil {
			return err
		}
	}
	if err := f.connectLocked(ctx); err != nil {
		f.record(ctx, oplog.KindError, id, fmt.Sprintf("connect queue: %v", err))
		return fmt.Errorf("connect queue: %w", err)
	}
	if err := f.openLocked(ctx, def); err != nil {
		transitionsTotal.WithLabelValues("start", "error").Inc()
		f.record(ctx, oplog.KindError, id, fmt.Sprintf("start failed: %v", err))
		return fmt.Errorf("start %s: %w", id, err)
	}
	return nil
}

// StopRunner closes the runner's subscription and waits until the queue
// confirms it is closed.
func (f *Factory) StopRunner(ctx context.Context, id string) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if _, ok := f.registry.Get(id); !ok {
		transitionsTotal.WithLabelValues("stop", "not_found").Inc()
		return lifecycleError(ErrWorkerNotFound, id)
	}
	return f.stopLocked(ctx, id)
}

// IsActive reports whether id holds an open subscription.
func (f *Factory) IsActive(id string) bool {
	f.mu.RLock()
	inst, ok := f.instances[id]
	f.mu.RUnlock()
	return ok && !inst.sub.IsClosed()
}

// List returns the status of every registered runner, sorted by identifier.
func (f *Factory) List() []Status {
	defs := f.registry.All()
	out := make([]Status, 0, len(defs))
	for _, def := range defs {
		active := false
		if got, ok := f.registry.Get(def.ID); ok && got == def {
			active = f.IsActive(def.ID)
		}
		out = append(out, Status{Definition: def, Active: active})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Definition.ID < out[j].Definition.ID })
	return out
}

// Threads is the pool size used for the shared queue connection.
func (f *Factory) Threads() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threads
}

// SetThreads resizes the pool. Every runner is stopped, the connection is
// reopened with n threads and the runners that were active are started
// again.
func (f *Factory) SetThreads(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", n)
	}
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	f.mu.RLock()
	wasConnected := f.connected
	previous := f.threads
	f.mu.RUnlock()

	ids, err := f.stopAllLocked(ctx)
	if err != nil {
		f.record(ctx, oplog.KindError, "", fmt.Sprintf("resize to %d threads: %v", n, err))
		// The pool keeps its size; runners that did stop go back on it.
		if wasConnected && len(ids) > 0 {
			err = errors.Join(err, f.startAllLocked(ctx, idSet(ids)))
		}
		return fmt.Errorf("stop runners for resize: %w", err)
	}

	f.mu.Lock()
	f.threads = n
	f.mu.Unlock()
	poolThreads.Set(float64(n))
	f.record(ctx, oplog.KindSetThreads, "", fmt.Sprintf("threads %d -> %d", previous, n))
	f.publish(events.PoolResized, map[string]int{"from": previous, "to": n})

	if !wasConnected {
		return nil
	}
	return f.startAllLocked(ctx, idSet(ids))
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (f *Factory) connectLocked(ctx context.Context) error {
	f.mu.RLock()
	connected, threads := f.connected, f.threads
	f.mu.RUnlock()
	if connected {
		return nil
	}
	if err := f.client.Connect(ctx, threads); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	poolThreads.Set(float64(threads))
	f.logger.Info("queue connected", "threads", threads)
	return nil
}

func (f *Factory) openLocked(ctx context.Context, def *runner.Definition) error {
	sub, err := f.client.OpenSubscription(ctx, queue.SubscriptionRequest{
		JobType:        def.Type,
		Name:           def.ID,
		Handler:        runner.NewAdapter(def),
		FetchVariables: def.FetchVariables(),
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	if old, ok := f.instances[def.ID]; ok && old != nil {
		activeRunners.Dec()
	}
	f.instances[def.ID] = &instance{def: def, sub: sub}
	f.mu.Unlock()
	activeRunners.Inc()
	transitionsTotal.WithLabelValues("start", "ok").Inc()

	f.logger.Info("runner started", "runner", def.ID, "job_type", def.Type)
	f.record(ctx, oplog.KindStartRunner, def.ID, fmt.Sprintf("started on job type %s", def.Type))
	f.publish(events.RunnerStarted, map[string]string{"runner": def.ID, "type": def.Type})
	return nil
}

// stopLocked closes the handle of id and polls until it is confirmed
// closed. The instance is dropped only on confirmation.
func (f *Factory) stopLocked(ctx context.Context, id string) error {
	f.mu.RLock()
	inst, ok := f.instances[id]
	f.mu.RUnlock()
	if !ok || inst.sub.IsClosed() {
		f.forget(id, inst)
		transitionsTotal.WithLabelValues("stop", "already_stopped").Inc()
		return lifecycleError(ErrAlreadyStopped, id)
	}

	inst.sub.Close()
	ticker := time.NewTicker(f.cfg.StopPollInterval)
	defer ticker.Stop()
	for poll := 0; poll < f.cfg.StopMaxPolls; poll++ {
		if inst.sub.IsClosed() {
			f.forget(id, inst)
			transitionsTotal.WithLabelValues("stop", "ok").Inc()
			f.logger.Info("runner stopped", "runner", id, "polls", poll)
			f.record(ctx, oplog.KindStopRunner, id, "stopped")
			f.publish(events.RunnerStopped, map[string]string{"runner": id})
			return nil
		}
		select {
		case <-ctx.Done():
			return f.cantStop(ctx, id, ctx.Err().Error())
		case <-ticker.C:
		}
	}
	if inst.sub.IsClosed() {
		f.forget(id, inst)
		f.record(ctx, oplog.KindStopRunner, id, "stopped")
		f.publish(events.RunnerStopped, map[string]string{"runner": id})
		return nil
	}
	return f.cantStop(ctx, id, fmt.Sprintf("still running after %d polls", f.cfg.StopMaxPolls))
}

func (f *Factory) cantStop(ctx context.Context, id, detail string) error {
	transitionsTotal.WithLabelValues("stop", "timeout").Inc()
	f.logger.Error("runner did not stop", "runner", id, "detail", detail)
	f.record(context.WithoutCancel(ctx), oplog.KindError, id, "can't stop runner: "+detail)
	return lifecycleError(ErrCantStopRunner, id, detail)
}

// forget drops inst from the map if it is still the registered instance.
func (f *Factory) forget(id string, inst *instance) {
	if inst == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instances[id] == inst {
		delete(f.instances, id)
		activeRunners.Dec()
	}
}

func (f *Factory) instanceIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Factory) record(ctx context.Context, kind oplog.Kind, id, msg string) {
	if f.ops == nil {
		return
	}
	if err := f.ops.Record(ctx, oplog.Event{Kind: kind, Runner: id, Message: msg}); err != nil {
		f.logger.Warn("failed to record operation", "kind", kind, "runner", id, "error", err)
	}
}

func (f *Factory) publish(eventType string, data any) {
	if f.hub != nil {
		f.hub.Publish(eventType, data)
	}
}
