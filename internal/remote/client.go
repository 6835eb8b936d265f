// Package remote drives training operations on a dedicated worker process:
// an HTTP client for the worker's session API, and a host orchestrator that
// polls session status with backoff, relays cancellation, and resolves
// completed sessions by awaiting the worker's result callback.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// StartRequest is the body of POST /operations/start on the worker.
type StartRequest struct {
	Symbols         []string `json:"symbols"`
	Timeframe       string   `json:"timeframe"`
	Epochs          int      `json:"epochs"`
	TimeoutS        *int     `json:"timeout_s,omitempty"`
	CallbackAddress string   `json:"callback_address"`
}

// StartResponse acknowledges session creation.
type StartResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StatusResponse reports current session state. Progress carries the latest
// snapshot observed; Result is present only on completed sessions.
type StatusResponse struct {
	Status   string                  `json:"status"`
	Progress *model.ProgressSnapshot `json:"progress,omitempty"`
	Result   *model.OperationResult  `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// StopResponse acknowledges a stop request with the session's status after
// the request was applied.
type StopResponse struct {
	Status string `json:"status"`
}

// Client talks to one worker's session API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a worker client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Start submits work to the worker and returns the session handle.
func (c *Client) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal start request: %w", err)
	}
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/operations/start", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the current state of a session.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/operations/"+sessionID+"/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests cooperative cancellation of a session. Stopping a terminal
// session is a no-op; the response carries the session's current status.
func (c *Client) Stop(ctx context.Context, sessionID string) (*StopResponse, error) {
	var resp StopResponse
	if err := c.do(ctx, http.MethodPost, "/operations/"+sessionID+"/stop", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("worker returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("worker returned %d for %s %s", resp.StatusCode, method, path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
