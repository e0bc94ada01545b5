package api

import (
	"time"

	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/runner"
)

// RunnerSummary is one entry of GET /runners.
type RunnerSummary struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	Label       string   `json:"label"`
	Kind        string   `json:"kind"`
	Collection  string   `json:"collection"`
	Active      bool     `json:"active"`
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// RunnerListResponse is returned by GET /runners.
type RunnerListResponse struct {
	Runners []RunnerSummary `json:"runners"`
}

// RunnerDetailResponse is returned by GET /runners/{id}.
type RunnerDetailResponse struct {
	RunnerSummary
	Description    string                     `json:"description,omitempty"`
	Logo           string                     `json:"logo,omitempty"`
	Inputs         []runner.TemplateParameter `json:"inputs"`
	Outputs        []runner.TemplateParameter `json:"outputs"`
	DeclaredErrors []runner.TemplateError     `json:"declaredErrors,omitempty"`
}

// RunnerStateResponse is returned by start and stop.
type RunnerStateResponse struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// ThreadsRequest is the body of PUT /settings/threads.
type ThreadsRequest struct {
	Threads int `json:"threads"`
}

// ThreadsResponse is returned by GET and PUT /settings/threads.
type ThreadsResponse struct {
	Threads int `json:"threads"`
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	Type          string            `json:"type"`
	Variables     map[string]any    `json:"variables,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
	Retries       int               `json:"retries,omitempty"`
}

// CreateJobResponse is returned on a successful job creation.
type CreateJobResponse struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// OperationsResponse is returned by GET /operations.
type OperationsResponse struct {
	Operations []oplog.Event `json:"operations"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	QueueDepth        int       `json:"queue_depth"`
	Threads           int       `json:"threads"`
	RunnersRegistered int       `json:"runners_registered"`
	RunnersActive     int       `json:"runners_active"`
	RunnersInvalid    int       `json:"runners_invalid"`
}
