// Package llm is an OpenAI-compatible chat completion client with an API key
// pool. A 429 rotates to the next untried key; backoff only starts once every
// key has been tried.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/pcbridge/internal/telemetry"
)

const (
	defaultBaseURL     = "https://integrate.api.nvidia.com/v1"
	defaultMaxAttempts = 3
	initialBackoff     = 500 * time.Millisecond
)

var (
	// ErrNoKeys is returned when the client has no API keys configured.
	ErrNoKeys = errors.New("llm: no API keys configured")
	// ErrRateLimited is returned when every attempt was answered with 429.
	ErrRateLimited = errors.New("llm: rate limited")
)

// Client talks to a chat completion endpoint.
type Client struct {
	keys        []string
	baseURL     string
	maxAttempts int
	httpClient  *http.Client
	next        atomic.Uint64
	backoff     func(attempt int) time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithMaxAttempts bounds attempts per call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records call durations and rate limits.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the default endpoint.
func NewClient(keys []string, opts ...Option) *Client {
	return NewClientWithBaseURL(keys, defaultBaseURL, opts...)
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
// Request deadlines come from the caller's context.
func NewClientWithBaseURL(keys []string, baseURL string, opts ...Option) *Client {
	c := &Client{
		keys:        keys,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: defaultMaxAttempts,
		httpClient:  &http.Client{},
		backoff: func(attempt int) time.Duration {
			return time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
		},
		logger:  slog.Default(),
		metrics: telemetry.NoopMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

// statusError is a non-retryable HTTP failure.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return true
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if len(c.keys) == 0 {
		return "", ErrNoKeys
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, span := telemetry.StartClientSpan(ctx, "llm.complete", telemetry.AttrModel.String(req.Model))
	defer span.End()
	start := time.Now()
	defer func() {
		c.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("model", req.Model)))
	}()

	tried := make(map[int]bool, len(c.keys))
	allRateLimited := true
	var lastErr error

	for attempt := range c.maxAttempts {
		idx, fresh := c.pickKey(tried)
		if !fresh {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
		tried[idx] = true

		out, err := c.do(ctx, c.keys[idx], body)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "context done")
			return "", fmt.Errorf("completion aborted: %w", ctx.Err())
		}

		lastErr = err
		var rl *rateLimitError
		if errors.As(err, &rl) {
			c.metrics.LLMRateLimited.Add(ctx, 1)
			c.logger.Debug("llm key rate limited, rotating", "key_index", idx, "attempt", attempt+1)
			continue
		}
		allRateLimited = false
		if !retryable(err) {
			break
		}
		c.logger.Warn("llm call failed, retrying", "attempt", attempt+1, "error", err)
	}

	span.SetStatus(codes.Error, lastErr.Error())
	if allRateLimited {
		return "", fmt.Errorf("%w after %d attempts: %v", ErrRateLimited, c.maxAttempts, lastErr)
	}
	return "", fmt.Errorf("completion failed: %w", lastErr)
}

// pickKey returns the next key index in round-robin order, preferring keys
// not yet tried in this call. fresh is false when every key was tried.
func (c *Client) pickKey(tried map[int]bool) (idx int, fresh bool) {
	n := len(c.keys)
	start := int(c.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		j := (start + i) % n
		if !tried[j] {
			return j, true
		}
	}
	return start, false
}

func (c *Client) do(ctx context.Context, key string, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
