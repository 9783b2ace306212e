// Package provider talks to the external enhancement provider: job creation,
// status polling and decoding of its webhook callbacks.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnavailable covers network failures and 5xx responses.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRejected covers 4xx responses and malformed replies to a valid request.
	ErrRejected = errors.New("provider rejected request")
)

// Error carries the HTTP details of a failed provider call. It unwraps to
// ErrUnavailable or ErrRejected.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status=%d body=%s: %v", e.Op, e.StatusCode, e.Body, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent reports a 4xx rejection of a well-formed request. Retrying it
// cannot succeed.
func (e *Error) Permanent() bool {
	return errors.Is(e.Err, ErrRejected) && e.StatusCode >= 400 && e.StatusCode < 500
}

// ErrorType maps the failure to the refund policy classification.
func (e *Error) ErrorType() string {
	if errors.Is(e.Err, ErrRejected) {
		return "provider_rejected"
	}
	return "provider_unavailable"
}

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single HTTP round trip when the caller's context has no deadline.
	Timeout time.Duration
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// CreateRequest is the job-creation payload.
type CreateRequest struct {
	Reference   string `json:"reference"`
	Kind        string `json:"kind"`
	SourceURL   string `json:"sourceUrl"`
	Prompt      string `json:"prompt,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// CreateTask submits a job and returns the provider's task id.
func (c *Client) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}
	raw, err := c.do(ctx, "create", http.MethodPost, "/tasks", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		ProviderTaskID string `json:"providerTaskId"`
		TaskID         string `json:"taskId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &Error{Op: "create", Body: truncateBody(raw), Err: fmt.Errorf("%w: decode response: %v", ErrRejected, err)}
	}
	id := resp.ProviderTaskID
	if id == "" {
		id = resp.TaskID
	}
	if id == "" {
		return "", &Error{Op: "create", Body: truncateBody(raw), Err: fmt.Errorf("%w: empty task id", ErrRejected)}
	}
	if c.log != nil {
		c.log.Info("provider task created", "provider_task_id", id, "reference", req.Reference, "kind", req.Kind)
	}
	return id, nil
}

// GetTask fetches the current status of a provider task.
func (c *Client) GetTask(ctx context.Context, providerTaskID string) (*Status, error) {
	raw, err := c.do(ctx, "poll", http.MethodGet, "/tasks/"+url.PathEscape(providerTaskID), nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Status    string `json:"status"`
		ResultURL string `json:"resultUrl"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Op: "poll", Body: truncateBody(raw), Err: fmt.Errorf("%w: decode response: %v", ErrRejected, err)}
	}
	state, ok := ParseState(resp.Status)
	if !ok {
		return nil, &Error{Op: "poll", Body: truncateBody(raw), Err: fmt.Errorf("%w: unknown status %q", ErrRejected, resp.Status)}
	}
	return &Status{
		ProviderTaskID: providerTaskID,
		State:          state,
		ResultURL:      resp.ResultURL,
		ErrorCode:      resp.ErrorCode,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", ErrUnavailable, err)}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		if c.log != nil {
			c.log.Warn("provider call failed", "op", op, "status", resp.StatusCode, "body", truncateBody(raw))
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(raw), Err: ErrUnavailable}
	case resp.StatusCode >= 300:
		if c.log != nil {
			c.log.Warn("provider rejected call", "op", op, "status", resp.StatusCode, "body", truncateBody(raw))
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: truncateBody(raw), Err: ErrRejected}
	}
	return raw, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
