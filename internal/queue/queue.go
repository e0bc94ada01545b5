package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stevedore/internal/log"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultRetries = 3

// Config tunes the broker's activation behaviour.
type Config struct {
	PollInterval  time.Duration
	MaxJobsActive int
	JobTimeout    time.Duration
	RetryBackoff  time.Duration
	WorkerName    string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxJobsActive <= 0 {
		c.MaxJobsActive = 32
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.WorkerName == "" {
		c.WorkerName = "stevedore"
	}
	return c
}

// Broker is an sqlite-backed job queue. It plays the role of the external
// work queue: one shared connection (the worker pool) serves every
// subscription, and it receives the terminal command for each job.
type Broker struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	pool *pool
	subs map[*subscription]struct{}
}

// NewBroker returns a disconnected broker over db.
func NewBroker(db *sql.DB, cfg Config) *Broker {
	return &Broker{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("queue"),
		subs:   make(map[*subscription]struct{}),
	}
}

// Connect starts the shared worker pool with threads goroutines.
func (b *Broker) Connect(ctx context.Context, threads int) error {
	if threads < 1 {
		return fmt.Errorf("threads must be at least 1 (got %d)", threads)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		if b.pool.size == threads {
			return nil
		}
		return fmt.Errorf("already connected with %d threads", b.pool.size)
	}
	b.pool = newPool(threads)
	b.logger.Info("queue connected", "threads", threads)
	return nil
}

// Disconnect closes every subscription, waits for their pollers and stops
// the worker pool once running jobs finish.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	p := b.pool
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.pool = nil
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	if p == nil {
		return nil
	}
	for _, s := range subs {
		s.Close()
	}
	for _, s := range subs {
		<-s.done
	}
	p.stop()
	b.logger.Info("queue disconnected")
	return nil
}

// Connected reports whether the worker pool is running.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool != nil
}

// Threads returns the current pool size, 0 when disconnected.
func (b *Broker) Threads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return 0
	}
	return b.pool.size
}

// OpenSubscription starts polling for jobs of req.JobType.
func (b *Broker) OpenSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	if req.JobType == "" {
		return nil, fmt.Errorf("job type is empty")
	}
	if req.Handler == nil {
		return nil, fmt.Errorf("handler is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return nil, ErrNotConnected
	}

	worker := req.Name
	if worker == "" {
		worker = b.cfg.WorkerName
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		broker: b,
		req:    req,
		worker: worker,
		pool:   b.pool,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: b.logger.With("job_type", req.JobType, "worker", worker),
	}
	b.subs[s] = struct{}{}
	go s.run(pollCtx)
	return s, nil
}

func (b *Broker) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// CreateJob adds an activatable job and returns its key.
func (b *Broker) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	if req.Type == "" {
		return "", fmt.Errorf("job type is empty")
	}
	retries := req.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	vars, err := encodeMap(req.Variables)
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	headers, err := encodeMap(req.CustomHeaders)
	if err != nil {
		return "", fmt.Errorf("encode custom headers: %w", err)
	}

	key := uuid.NewString()
	_, err = b.db.ExecContext(ctx, `
INSERT INTO job_queue(job_key, job_type, variables, custom_headers, status, retries, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, key, req.Type, vars, headers, StatusActivatable, retries, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return key, nil
}

// GetJob returns the stored state of a job.
func (b *Broker) GetJob(ctx context.Context, key string) (*JobRecord, error) {
	row := b.db.QueryRowContext(ctx, `
SELECT job_key, job_type, status, variables, custom_headers, retries, worker,
       created_at, activated_at, next_activation_at, completed_at, error_code, error_message
FROM job_queue
WHERE job_key = ?;
`, key)

	var (
		r                                   JobRecord
		status, vars, headers, createdAt    string
		worker, activatedAt, nextAt, doneAt sql.NullString
		errCode, errMsg                     sql.NullString
	)
	err := row.Scan(&r.Key, &r.Type, &status, &vars, &headers, &r.Retries, &worker,
		&createdAt, &activatedAt, &nextAt, &doneAt, &errCode, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	r.Status = Status(status)
	r.Worker = worker.String
	r.ErrorCode = errCode.String
	r.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(vars), &r.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &r.CustomHeaders); err != nil {
		return nil, fmt.Errorf("decode custom headers: %w", err)
	}
	if t, err := parseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	r.ActivatedAt = parseNullTime(activatedAt)
	r.NextActivationAt = parseNullTime(nextAt)
	r.CompletedAt = parseNullTime(doneAt)
	return &r, nil
}

// Depth counts jobs waiting for activation.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status = ?;`, StatusActivatable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// activate claims up to limit activatable jobs of jobType for worker.
// Jobs whose activation deadline passed are made activatable again first.
func (b *Broker) activate(ctx context.Context, jobType, worker string, limit int, fetch []string) ([]*Job, error) {
	now := time.Now()
	nowS := formatTime(now)

	if _, err := b.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, worker = NULL, activated_at = NULL, deadline = NULL
WHERE job_type = ? AND status = ? AND deadline < ?;
`, StatusActivatable, jobType, StatusActivated, nowS); err != nil {
		return nil, fmt.Errorf("reclaim expired jobs: %w", err)
	}

	deadline := now.Add(b.cfg.JobTimeout)
	rows, err := b.db.QueryContext(ctx, `
WITH next AS (
  SELECT job_key
  FROM job_queue
  WHERE job_type = ? AND status = ? AND (next_activation_at IS NULL OR next_activation_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT ?
)
UPDATE job_queue
SET status = ?, worker = ?, activated_at = ?, deadline = ?
WHERE job_key IN (SELECT job_key FROM next)
RETURNING job_key, job_type, variables, custom_headers, retries;
`, jobType, StatusActivatable, nowS, limit, StatusActivated, worker, nowS, formatTime(deadline))
	if err != nil {
		return nil, fmt.Errorf("activate jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			j             Job
			vars, headers string
		)
		if err := rows.Scan(&j.Key, &j.Type, &vars, &headers, &j.Retries); err != nil {
			return nil, fmt.Errorf("scan activated job: %w", err)
		}
		if err := json.Unmarshal([]byte(vars), &j.Variables); err != nil {
			return nil, fmt.Errorf("decode variables of %s: %w", j.Key, err)
		}
		if err := json.Unmarshal([]byte(headers), &j.CustomHeaders); err != nil {
			return nil, fmt.Errorf("decode custom headers of %s: %w", j.Key, err)
		}
		j.Variables = filterVariables(j.Variables, fetch)
		j.Worker = worker
		j.Deadline = deadline
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activate jobs: %w", err)
	}
	return jobs, nil
}

// release hands a claimed job back without consuming a retry.
func (b *Broker) release(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, worker = NULL, activated_at = NULL, deadline = NULL
WHERE job_key = ? AND status = ?;
`, StatusActivatable, key, StatusActivated)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// Complete marks the job completed and merges variables into it.
func (b *Broker) Complete(ctx context.Context, key string, variables map[string]any) error {
	return b.finish(ctx, key, outcome{status: StatusCompleted, variables: variables})
}

// ThrowError marks the job as ended by a declared error.
func (b *Broker) ThrowError(ctx context.Context, key, code, message string, variables map[string]any) error {
	if code == "" {
		return fmt.Errorf("error code is empty")
	}
	return b.finish(ctx, key, outcome{status: StatusErrorThrown, variables: variables, code: code, message: message})
}

// Fail records a technical failure. With retries left the job becomes
// activatable again after the retry backoff, else it is failed for good.
func (b *Broker) Fail(ctx context.Context, key string, retries int, message string) error {
	if retries < 0 {
		retries = 0
	}
	return b.finish(ctx, key, outcome{status: StatusFailed, retries: retries, message: message})
}

type outcome struct {
	status    Status
	variables map[string]any
	retries   int
	code      string
	message   string
}

func (b *Broker) finish(ctx context.Context, key string, o outcome) error {
	if key == "" {
		return fmt.Errorf("job key is empty")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		jobType, status, vars string
		retries               int
		worker                sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
SELECT job_type, status, variables, retries, worker
FROM job_queue
WHERE job_key = ?;
`, key).Scan(&jobType, &status, &vars, &retries, &worker)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", key, err)
	}
	if Status(status) != StatusActivated {
		return fmt.Errorf("%w: %s is %s", ErrJobNotActivated, key, status)
	}

	merged := map[string]any{}
	if err := json.Unmarshal([]byte(vars), &merged); err != nil {
		return fmt.Errorf("decode variables: %w", err)
	}
	for k, v := range o.variables {
		merged[k] = v
	}
	mergedS, err := encodeMap(merged)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	resultS, err := encodeMap(o.variables)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if o.status != StatusFailed {
		o.retries = retries
	}

	now := time.Now()
	nowS := formatTime(now)

	switch {
	case o.status == StatusFailed && o.retries > 0:
		_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, retries = ?, worker = NULL, activated_at = NULL, deadline = NULL,
    next_activation_at = ?, error_message = ?
WHERE job_key = ?;
`, StatusActivatable, o.retries, formatTime(now.Add(b.cfg.RetryBackoff)), o.message, key)
	default:
		_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, retries = ?, variables = ?, completed_at = ?, deadline = NULL,
    error_code = ?, error_message = ?
WHERE job_key = ?;
`, o.status, o.retries, mergedS, nowS, nullIfEmpty(o.code), nullIfEmpty(o.message), key)
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", key, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_key, job_type, outcome, worker, retries, variables, error_code, error_message, logged_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), key, jobType, o.status, worker, o.retries, resultS, nullIfEmpty(o.code), nullIfEmpty(o.message), nowS)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func filterVariables(vars map[string]any, fetch []string) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	if fetch == nil {
		return vars
	}
	out := make(map[string]any, len(fetch))
	for _, name := range fetch {
		if v, ok := vars[name]; ok {
			out[name] = v
		}
	}
	return out
}

func encodeMap[V any](m map[string]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
