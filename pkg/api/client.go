package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/metrics"
)

// Error is a non-2xx answer from the API.
type Error struct {
	Status int
	Body   ErrorBody
}

func (e *Error) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Body.Code, e.Body.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

// Client calls a running server. It is used by the CLI.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient uses a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Start asks the server to start a run.
func (c *Client) Start(ctx context.Context, req engine.StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run returns a run with its step history.
func (c *Client) Run(ctx context.Context, runID string) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Resume re-drives a non-terminal run.
func (c *Client) Resume(ctx context.Context, runID string) (*StartResponse, error) {
	var out StartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lifecycle returns a resource and its history.
func (c *Client) Lifecycle(ctx context.Context, resourceID string) (*LifecycleResponse, error) {
	var out LifecycleResponse
	if err := c.do(ctx, http.MethodGet, "/v1/resources/"+url.PathEscape(resourceID)+"/lifecycle", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Findings returns reconciliation findings detected after since.
func (c *Client) Findings(ctx context.Context, since time.Time) (*FindingsResponse, error) {
	path := "/v1/reconciliation/findings"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var out FindingsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot returns the metrics snapshot.
func (c *Client) Snapshot(ctx context.Context) (*metrics.Snapshot, error) {
	var out metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/metrics/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil {
			apiErr.Body = er.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
