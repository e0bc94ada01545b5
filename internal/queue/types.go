package queue

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusActivatable Status = "activatable"
	StatusActivated   Status = "activated"
	StatusCompleted   Status = "completed"
	StatusErrorThrown Status = "error_thrown"
	StatusFailed      Status = "failed"
)

// Job is an activated unit of work handed to a JobHandler.
type Job struct {
	Key           string
	Type          string
	Variables     map[string]any
	CustomHeaders map[string]string
	Retries       int
	Worker        string
	Deadline      time.Time
}

// CreateJobRequest describes a job to add to the broker.
type CreateJobRequest struct {
	Type          string
	Variables     map[string]any
	CustomHeaders map[string]string
	Retries       int
}

// JobRecord is the stored view of a job, for inspection.
type JobRecord struct {
	Key              string            `json:"key"`
	Type             string            `json:"type"`
	Status           Status            `json:"status"`
	Variables        map[string]any    `json:"variables"`
	CustomHeaders    map[string]string `json:"customHeaders,omitempty"`
	Retries          int               `json:"retries"`
	Worker           string            `json:"worker,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ActivatedAt      *time.Time        `json:"activatedAt,omitempty"`
	NextActivationAt *time.Time        `json:"nextActivationAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	ErrorCode        string            `json:"errorCode,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotActivated = errors.New("job is not activated")
	ErrNotConnected    = errors.New("queue client is not connected")
)

// JobClient receives the single terminal command for an activated job.
type JobClient interface {
	Complete(ctx context.Context, key string, variables map[string]any) error
	ThrowError(ctx context.Context, key, code, message string, variables map[string]any) error
	Fail(ctx context.Context, key string, retries int, message string) error
}

// JobHandler processes one activated job and reports its outcome to client.
type JobHandler interface {
	Handle(ctx context.Context, client JobClient, job *Job)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, client JobClient, job *Job)

func (f JobHandlerFunc) Handle(ctx context.Context, client JobClient, job *Job) {
	f(ctx, client, job)
}

// Subscription is a live stream of jobs of one type. Close is asynchronous
// and idempotent; IsClosed reports when fetching stopped and no job of this
// subscription is still being handled.
type Subscription interface {
	Close()
	IsClosed() bool
}

// SubscriptionRequest opens a subscription. A nil FetchVariables fetches
// every variable.
type SubscriptionRequest struct {
	JobType        string
	Name           string
	Handler        JobHandler
	FetchVariables []string
}
