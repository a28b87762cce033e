package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/perchlabs/dialtone/internal/sync"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second

	uploadPath   = "/sync/upload"
	downloadPath = "/sync/download"
)

var (
	// ErrInvalidBaseURL indicates the client was constructed without a server URL.
	ErrInvalidBaseURL = errors.New("transport: base url is required")
	// ErrUnexpectedStatus indicates a non-2xx HTTP response from the sync server.
	ErrUnexpectedStatus = errors.New("transport: unexpected http status")
)

// ClientConfig bundles configuration for the sync-server HTTP client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client ships upload batches and pulls download pages over HTTP with JSON
// bodies. Timeouts fail closed: a timed-out request surfaces as an error and
// the caller's queue state stays untouched.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient constructs a Client from validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, timeout: timeout, logger: logger}, nil
}

// UploadChanges posts one serialized batch and returns the server
// acknowledgement.
func (c *Client) UploadChanges(ctx context.Context, request sync.UploadRequest) (sync.UploadResponse, error) {
	var response sync.UploadResponse
	if err := c.post(ctx, uploadPath, request, &response); err != nil {
		return sync.UploadResponse{}, err
	}
	return response, nil
}

// DownloadChanges requests one feed page after the given cursor.
func (c *Client) DownloadChanges(ctx context.Context, request sync.DownloadRequest) (sync.DownloadResponse, error) {
	var response sync.DownloadResponse
	if err := c.post(ctx, downloadPath, request, &response); err != nil {
		return sync.DownloadResponse{}, err
	}
	return response, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, target interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("sync server request failed",
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("transport: %s: %w", path, err)
	}
	defer response.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		c.logger.Warn("sync server returned error status",
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}
