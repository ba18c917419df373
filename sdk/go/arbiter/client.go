// Package arbiter is a small HTTP client for the Arbiter tool-router API.
package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Arbiter server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 60-second timeout is used; planning requests can be slow.
	HTTPClient *http.Client
}

// Client is an HTTP client for the Arbiter routing API. All methods are safe
// for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration. Returns an error
// if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("arbiter: BaseURL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

// Query routes a natural-language or raw-SQL query. A correlation ID may be
// passed to tie the call into an existing trace; empty means the server
// assigns one. The returned Routed may describe a failure; check Failed().
func (c *Client) Query(ctx context.Context, req QueryRequest, correlationID string) (*Routed, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("arbiter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("arbiter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		httpReq.Header.Set("X-Correlation-ID", correlationID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("arbiter: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("arbiter: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arbiter: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var routed Routed
	if err := json.Unmarshal(raw, &routed); err != nil {
		return nil, fmt.Errorf("arbiter: decode response: %w", err)
	}
	return &routed, nil
}

// Health fetches the server health report. A 503 still decodes into Health;
// the error is reserved for transport failures.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	raw, status, err := c.get(ctx, "/health")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("arbiter: status %d", status)
	}
	var h Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("arbiter: decode health: %w", err)
	}
	return &h, nil
}

// Stats fetches the live subsystem counters as a generic map.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	raw, status, err := c.get(ctx, "/stats")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("arbiter: status %d", status)
	}
	var stats map[string]any
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("arbiter: decode stats: %w", err)
	}
	return stats, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("arbiter: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("arbiter: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("arbiter: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
