// Package client talks to a running stevedore admin API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
)

const DefaultURL = "http://127.0.0.1:8080"

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	return &out, c.do(ctx, http.MethodGet, "/healthz", nil, &out)
}

func (c *Client) Runners(ctx context.Context) ([]api.RunnerSummary, error) {
	var out api.RunnerListResponse
	if err := c.do(ctx, http.MethodGet, "/runners", nil, &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

func (c *Client) Runner(ctx context.Context, id string) (*api.RunnerDetailResponse, error) {
	var out api.RunnerDetailResponse
	return &out, c.do(ctx, http.MethodGet, "/runners/"+url.PathEscape(id), nil, &out)
}

// StartRunner starts id; with restart false an active runner is refused
// instead of being restarted.
func (c *Client) StartRunner(ctx context.Context, id string, restart bool) error {
	path := "/runners/" + url.PathEscape(id) + "/start"
	if !restart {
		path += "?restart=false"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) StopRunner(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/runners/"+url.PathEscape(id)+"/stop", nil, nil)
}

// Template returns the raw template document in format ("json" or "yaml").
func (c *Client) Template(ctx context.Context, id, format string) ([]byte, error) {
	path := "/runners/" + url.PathEscape(id) + "/template"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	resp, err := c.send(ctx, c.http, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) Threads(ctx context.Context) (int, error) {
	var out api.ThreadsResponse
	if err := c.do(ctx, http.MethodGet, "/settings/threads", nil, &out); err != nil {
		return 0, err
	}
	return out.Threads, nil
}

func (c *Client) SetThreads(ctx context.Context, n int) (int, error) {
	var out api.ThreadsResponse
	if err := c.do(ctx, http.MethodPut, "/settings/threads", api.ThreadsRequest{Threads: n}, &out); err != nil {
		return 0, err
	}
	return out.Threads, nil
}

func (c *Client) CreateJob(ctx context.Context, req api.CreateJobRequest) (string, error) {
	var out api.CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

func (c *Client) Job(ctx context.Context, key string) (*queue.JobRecord, error) {
	var out queue.JobRecord
	return &out, c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(key), nil, &out)
}

func (c *Client) Operations(ctx context.Context, limit int) ([]oplog.Event, error) {
	path := "/operations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.OperationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// Events reads the SSE stream into ch until ctx ends or the connection
// drops. It returns nil when the server closed the stream.
func (c *Client) Events(ctx context.Context, ch chan<- events.Event) error {
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Data != nil {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, c.http, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var er api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		apiErr.Message = er.Error
	}
	return nil, apiErr
}
