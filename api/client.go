// Package api is the control-plane HTTP client. The realtime channel
// carries commands and status; this client covers the request/response
// surface: ping replies, task synchronization, task updates, and
// artifact transfer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finetune-build/Worker/backoff"
)

const defaultRetries = 3

// StatusError is returned when the control plane answers with a
// non-success HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ftworker/api: unexpected status %d: %s", e.Code, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client talks to the control plane on behalf of one worker. Requests
// carry the worker auth headers; transient failures are retried with
// exponential backoff.
type Client struct {
	baseURL  string
	workerID string
	token    string

	httpClient *http.Client
	backoff    backoff.Strategy
	retries    int
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how many times transient failures are retried.
func WithRetries(n int) ClientOption {
	return func(c *Client) { c.retries = n }
}

// WithRetryBackoff sets the delay strategy between retries.
func WithRetryBackoff(s backoff.Strategy) ClientOption {
	return func(c *Client) { c.backoff = s }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithInsecure switches the client to plain HTTP (dev only).
func WithInsecure() ClientOption {
	return func(c *Client) { c.baseURL = "http" + c.baseURL[len("https"):] }
}

// NewClient creates a control-plane client for the given host.
func NewClient(host, workerID, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    "https://" + host + "/v1",
		workerID:   workerID,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    backoff.NewExponential(500*time.Millisecond, 10*time.Second),
		retries:    defaultRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the control plane's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Task is one control-plane task assigned to this worker.
type Task struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	State    string          `json:"state"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// taskPage is the paginated task list body.
type taskPage struct {
	Count   int    `json:"count"`
	Results []Task `json:"results"`
}

// Pong answers a control-plane ping over HTTP.
func (c *Client) Pong(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"worker_id": c.workerID}) //nolint:errcheck // map of strings cannot fail

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/worker/%s/pong/", c.workerID), body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return nil
}

// TaskList fetches tasks assigned to this worker in the given state.
// Used on startup to synchronize work submitted while the worker was
// offline.
func (c *Client) TaskList(ctx context.Context, state string) ([]Task, error) {
	path := fmt.Sprintf("/worker/%s/task/?task_state=%s", c.workerID, state)

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("ftworker/api: decode task list: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("ftworker/api: task list rejected: %s", env.Error)
	}

	var page taskPage
	if err := json.Unmarshal(env.Data, &page); err != nil {
		return nil, fmt.Errorf("ftworker/api: decode task page: %w", err)
	}
	return page.Results, nil
}

// UpdateTask replaces a task's control-plane record. Status transitions
// travel over the realtime channel; this covers everything else.
func (c *Client) UpdateTask(ctx context.Context, taskID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ftworker/api: encode task update: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/worker/%s/task/%s/", c.workerID, taskID), body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	return nil
}

// do sends one request, retrying transient failures. The body is
// buffered so every attempt replays it from the start.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt)
			c.logger.Debug("retrying control-plane request",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("ftworker/api: build request: %w", err)
		}
		c.authorize(req)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("ftworker/api: %s %s: %w", method, path, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		resp.Body.Close()                                     //nolint:errcheck

		statusErr := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if !statusErr.Transient() {
			return nil, statusErr
		}
		lastErr = statusErr
	}

	return nil, lastErr
}

// authorize stamps the worker auth headers on a request.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Worker "+c.token)
	req.Header.Set("X-Worker-ID", c.workerID)
}
