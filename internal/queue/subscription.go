package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type subscription struct {
	broker *Broker
	req    SubscriptionRequest
	worker string
	pool   *pool
	logger *slog.Logger

	cancel   context.CancelFunc
	once     sync.Once
	done     chan struct{}
	inflight atomic.Int64
}

// Close stops fetching. Jobs already handed to the pool run to completion.
func (s *subscription) Close() {
	s.once.Do(s.cancel)
}

// IsClosed is true once the poller exited and no job is in flight.
func (s *subscription) IsClosed() bool {
	select {
	case <-s.done:
		return s.inflight.Load() == 0
	default:
		return false
	}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.broker.forget(s)

	s.logger.Debug("subscription opened")
	defer s.logger.Debug("subscription closed")

	ticker := time.NewTicker(s.broker.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *subscription) poll(ctx context.Context) {
	capacity := s.broker.cfg.MaxJobsActive - int(s.inflight.Load())
	if capacity <= 0 || ctx.Err() != nil {
		return
	}

	jobs, err := s.broker.activate(ctx, s.req.JobType, s.worker, capacity, s.req.FetchVariables)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to activate jobs", "error", err)
		}
		return
	}

	handlerCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		s.inflight.Add(1)
		ok := s.pool.submit(ctx, func() {
			defer s.inflight.Add(-1)
			s.req.Handler.Handle(handlerCtx, s.broker, job)
		})
		if ok {
			continue
		}
		s.inflight.Add(-1)
		if err := s.broker.release(handlerCtx, job.Key); err != nil {
			s.logger.Warn("failed to release job", "job_key", job.Key, "error", err)
		}
	}
}
