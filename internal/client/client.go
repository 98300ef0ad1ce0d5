// Package client talks to a running resonance server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/recall"
)

const (
	DefaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
	healthTimeout    = time.Second
)

// Client talks to the resonance server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty url uses RESONANCE_URL,
// falling back to DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("RESONANCE_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// StatusError is a response with status >= 400.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	var body struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// Store sends a memory to the server.
func (c *Client) Store(ctx context.Context, req engine.StoreRequest) (engine.StoreResult, error) {
	var res engine.StoreResult
	err := c.do(ctx, http.MethodPost, "/api/memories", req, &res)
	return res, err
}

// Recall runs a recall on the server.
func (c *Client) Recall(ctx context.Context, query string, rc recall.Context, opts recall.Options) (recall.Response, error) {
	in := map[string]any{
		"query":            query,
		"context":          rc,
		"limit":            opts.Limit,
		"deadline_ms":      opts.Deadline.Milliseconds(),
		"disable_fallback": opts.DisableFallback,
	}
	var resp recall.Response
	err := c.do(ctx, http.MethodPost, "/api/recall", in, &resp)
	return resp, err
}

// Context fetches the rendered memory block for query.
func (c *Client) Context(ctx context.Context, query, sessionID string) (string, error) {
	q := url.Values{}
	q.Set("q", query)
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	var body struct {
		Context string `json:"context"`
	}
	err := c.do(ctx, http.MethodGet, "/api/context?"+q.Encode(), nil, &body)
	return body.Context, err
}
