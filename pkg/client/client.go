package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8090/api"

// Client talks to the nodevisor control API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no timeout; it serves /events and blocking spawns.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		stream:  &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
	}
	return err == nil
}

// Spawn starts the stack. With wait the call blocks until it is running and
// returns the resulting status; otherwise it returns nil once accepted.
func (c *Client) Spawn(ctx context.Context, wait bool) (*Status, error) {
	if !wait {
		return nil, c.do(ctx, c.client, http.MethodPost, "/spawn", nil, nil)
	}
	var st Status
	if err := c.do(ctx, c.stream, http.MethodPost, "/spawn?wait=true", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Kill(ctx context.Context) error {
	return c.do(ctx, c.client, http.MethodPost, "/kill", nil, nil)
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, c.client, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Options(ctx context.Context) (*Options, error) {
	var o Options
	if err := c.do(ctx, c.client, http.MethodGet, "/options", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// SetOptions merges partial into the daemon's options and returns the result.
func (c *Client) SetOptions(ctx context.Context, partial Options) (*Options, error) {
	var o Options
	if err := c.do(ctx, c.client, http.MethodPatch, "/options", partial, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) ResetOptions(ctx context.Context) (*Options, error) {
	var o Options
	if err := c.do(ctx, c.client, http.MethodPost, "/options/defaults", nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) RemoveStorage(ctx context.Context, preserveIdentity bool) error {
	path := "/storage?preserve_identity=" + strconv.FormatBool(preserveIdentity)
	return c.do(ctx, c.client, http.MethodDelete, path, nil, nil)
}

// Logs returns the last n lines; service may be empty for both services.
func (c *Client) Logs(ctx context.Context, n int, service string) ([]LogEntry, error) {
	q := url.Values{}
	q.Set("n", strconv.Itoa(n))
	if service != "" {
		q.Set("service", service)
	}
	var out []LogEntry
	if err := c.do(ctx, c.client, http.MethodGet, "/logs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DefaultModel(ctx context.Context) (string, error) {
	var r struct {
		Model string `json:"model"`
	}
	err := c.do(ctx, c.client, http.MethodGet, "/model/default", nil, &r)
	return r.Model, err
}

func (c *Client) BackendURL(ctx context.Context) (string, error) {
	var r struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, c.client, http.MethodGet, "/backend/url", nil, &r)
	return r.URL, err
}

// Events streams events to fn until ctx is done or the daemon closes the
// stream. fn returning false ends the stream early.
func (c *Client) Events(ctx context.Context, fn func(Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.checkResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if !fn(e) {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
