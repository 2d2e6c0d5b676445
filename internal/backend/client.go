// Package backend is the HTTP client for the external legal-analysis service.
package backend

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
	"time"
)

const maxErrorBody = 512

// ErrUnhealthy is returned by Health when the backend answers but does not report running.
var ErrUnhealthy = errors.New("backend not running")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Code, e.Body)
}

// Client talks to the legal-analysis backend.
type Client struct {
	baseURL    *url.URL
	legacyURL  *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// Opt configures a Client.
type Opt func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Opt {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLegacyURL sets the origin used by Legacy. Defaults to the base URL.
func WithLegacyURL(u *url.URL) Opt {
	return func(c *Client) {
		c.legacyURL = u
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Opt {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHeaderTimeout bounds the wait for response headers. Streamed bodies
// are never bounded.
func WithHeaderTimeout(d time.Duration) Opt {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = d
		c.httpClient = &http.Client{Transport: tr}
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Opt) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	c := &Client{
		baseURL:    parsed,
		legacyURL:  parsed,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stream POSTs query to endpoint and returns the streamed response body.
// The caller must close the body.
func (c *Client) Stream(ctx context.Context, endpoint, query string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(c.baseURL, endpoint, nil), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	return c.open(req)
}

// Legacy issues the older GET /api/query request consumed as an EventSource.
func (c *Client) Legacy(ctx context.Context, text, caseType string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("case_type", caseType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.legacyURL, "/api/query", q), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	return c.open(req)
}

// Health checks the backend's /api/health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.baseURL, "/api/health", nil), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	body, err := c.open(req)
	if err != nil {
		return err
	}
	defer body.Close()

	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&status); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	if status.Status != "running" {
		return fmt.Errorf("%w: status %q", ErrUnhealthy, status.Status)
	}
	return nil
}

func (c *Client) open(req *http.Request) (io.ReadCloser, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("Backend request failed",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
		)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	return resp.Body, nil
}

func (c *Client) resolve(base *url.URL, endpoint string, query url.Values) string {
	u := *base
	u.Path = joinPath(base.Path, endpoint)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func joinPath(base, endpoint string) string {
	switch {
	case base == "" || base == "/":
		return endpoint
	case base[len(base)-1] == '/' && endpoint != "" && endpoint[0] == '/':
		return base + endpoint[1:]
	default:
		return base + endpoint
	}
}
