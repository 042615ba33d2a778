package executor

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

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3

	// error bodies are truncated to this many bytes in messages
	maxErrorBody = 512
)

// ErrUnexpectedStatus is wrapped by errors for non-2xx platform responses
var ErrUnexpectedStatus = errors.New("unexpected status")

// PlatformConfig configures the agent platform REST client
type PlatformConfig struct {
	BaseURL string
	// RequestTimeout bounds agent lookups. Agent runs are bounded by the caller's context.
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryMin       time.Duration
	RetryMax       time.Duration
	Clock          clock.Clock
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// PlatformClient talks JSON to the agent platform API
type PlatformClient struct {
	logger         *zap.Logger
	clock          clock.Clock
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxAttempts    int
	retryMin       time.Duration
	retryMax       time.Duration
}

// NewPlatformClient creates a new platform client
func NewPlatformClient(config PlatformConfig, logger *zap.Logger) (*PlatformClient, error) {
	if config.BaseURL == "" {
		return nil, errors.New("agent platform base URL is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryMin <= 0 {
		config.RetryMin = 200 * time.Millisecond
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	// no client timeout: an agent run holds its request open until the agent replies
	return &PlatformClient{
		logger:         logger.Named("platform"),
		clock:          config.Clock,
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: config.RequestTimeout,
		maxAttempts:    config.MaxAttempts,
		retryMin:       config.RetryMin,
		retryMax:       config.RetryMax,
	}, nil
}

// do sends a JSON request and decodes the JSON response into out. 429 and 503
// are retried for any method since the platform rejected the request before
// processing it. Transport errors, 502 and 504 are retried for GET only: a POST
// may already have reached the agent.
func (c *PlatformClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	retry := backoff.Backoff{Min: c.retryMin, Max: c.retryMax, Factor: 2, Jitter: true}
	for {
		retryable, err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !retryable || int(retry.Attempt())+1 >= c.maxAttempts {
			return err
		}

		delay := retry.Duration()
		c.logger.Warn("Retrying platform request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		case <-c.clock.After(delay):
		}
	}
}

func (c *PlatformClient) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) (bool, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return method == http.MethodGet && ctx.Err() == nil, fmt.Errorf("%s %s: request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := strings.TrimSpace(string(data))
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		statusErr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: body}
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return true, statusErr
		case http.StatusBadGateway, http.StatusGatewayTimeout:
			return method == http.MethodGet, statusErr
		}
		return false, statusErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
		}
	}
	return false, nil
}
