// Package ollama is a client for the control API of an Ollama-compatible
// inference backend.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultPullTimeout   = 2 * time.Hour
	DefaultUploadTimeout = 30 * time.Minute

	maxErrorBody = 64 << 10
)

var (
	ErrVersionTooOld = errors.New("backend version too old")
	ErrBadMagic      = errors.New("not a GGUF model file")
	ErrBlobMissing   = errors.New("uploaded blob not found on backend")
	ErrCreateFailed  = errors.New("model creation did not report success")
	ErrPullFailed    = errors.New("model pull failed")
)

// APIError carries the backend response for a failed call.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("ollama %s: status %d", e.Op, e.StatusCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

type Config struct {
	BaseURL string
	// Timeout bounds every short request.
	Timeout time.Duration
	// PullTimeout bounds a whole streaming pull.
	PullTimeout time.Duration
	// UploadTimeout bounds blob upload and model creation.
	UploadTimeout time.Duration
	// MinVersion gates CreateModelFromLocalFile.
	MinVersion string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one backend base URL.
type Client struct {
	baseURL    string
	timeout    time.Duration
	pullTO     time.Duration
	uploadTO   time.Duration
	minVersion string
	http       *http.Client
	log        *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.MinVersion == "" {
		cfg.MinVersion = DefaultMinVersion
	}
	if cfg.HTTPClient == nil {
		// timeouts are applied per call through the context
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		pullTO:     cfg.PullTimeout,
		uploadTO:   cfg.UploadTimeout,
		minVersion: cfg.MinVersion,
		http:       cfg.HTTPClient,
		log:        cfg.Logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Health reports whether GET / answers 200.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/", nil, "")
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return apiError("health", resp)
	}
	return nil
}

type versionResponse struct {
	Version string `json:"version"`
}

// Version returns the backend version string, e.g. "0.5.7".
func (c *Client) Version(ctx context.Context) (string, error) {
	var v versionResponse
	if err := c.getJSON(ctx, "version", "/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Model is an installed model as listed by /api/tags.
type Model struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

func (c *Client) ListInstalledModels(ctx context.Context) ([]Model, error) {
	var tr tagsResponse
	if err := c.getJSON(ctx, "tags", "/api/tags", &tr); err != nil {
		return nil, err
	}
	return tr.Models, nil
}

// HasModel reports whether name is installed. A name without a tag matches
// the ":latest" tag.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListInstalledModels(ctx)
	if err != nil {
		return false, err
	}
	return ContainsModel(models, name), nil
}

// ContainsModel applies the HasModel matching rule to an already fetched list.
func ContainsModel(models []Model, name string) bool {
	want := NormalizeName(name)
	for _, m := range models {
		if NormalizeName(m.Name) == want || NormalizeName(m.Model) == want {
			return true
		}
	}
	return false
}

// NormalizeName appends ":latest" to untagged model names.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return apiError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(b), "application/json")
}

func apiError(op string, resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
