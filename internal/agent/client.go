package agent

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

	"github.com/kalambet/pcbridge/internal/queue"
)

const clientTimeout = 15 * time.Second

// Client talks to the relay's /api endpoints. It is shared by the agent
// and the CLI.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient returns a Client for the relay at baseURL authenticating with
// the shared agent secret.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// BaseURL returns the relay address the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Status is the relay's view of the queue and the agent heartbeat.
type Status struct {
	queue.Counts
	Agent queue.AgentStatus `json:"agent"`
}

// EnqueueResponse is returned by POST /api/tasks.
type EnqueueResponse struct {
	ID        string `json:"id"`
	QueueSize int    `json:"queue_size"`
}

type resultBody struct {
	ID string `json:"id"`
	queue.Result
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Agent-Secret", c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay not reachable at %s (%w)", c.baseURL, err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// apiError is the relay's JSON error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("relay returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var env apiError
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			return fmt.Errorf("relay returned %d: %s", resp.StatusCode, env.Error.Message)
		}
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Claim takes the oldest pending task. It returns nil when the queue is empty.
func (c *Client) Claim(ctx context.Context) (*queue.Task, error) {
	resp, err := c.get(ctx, "/api/tasks/claim")
	if err != nil {
		return nil, err
	}
	var out struct {
		Task *queue.Task `json:"task"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	return out.Task, nil
}

// Report posts a result. duplicate is true when the relay had already
// recorded a result for id.
func (c *Client) Report(ctx context.Context, id string, res queue.Result) (duplicate bool, err error) {
	resp, err := c.post(ctx, "/api/tasks/result", resultBody{ID: id, Result: res})
	if err != nil {
		return false, err
	}
	var out struct {
		OK        bool `json:"ok"`
		Duplicate bool `json:"duplicate"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return false, fmt.Errorf("reporting result: %w", err)
	}
	return out.Duplicate, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	resp, err := c.post(ctx, "/api/agent/heartbeat", map[string]string{"agent_id": agentID})
	if err != nil {
		return err
	}
	var out map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

// Health checks the unauthenticated /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return err
	}
	var out map[string]any
	return decodeJSON(resp, &out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	resp, err := c.get(ctx, "/api/status")
	if err != nil {
		return st, err
	}
	if err := decodeJSON(resp, &st); err != nil {
		return st, fmt.Errorf("reading status: %w", err)
	}
	return st, nil
}

func (c *Client) Enqueue(ctx context.Context, typ queue.TaskType, payload, origin string) (EnqueueResponse, error) {
	var out EnqueueResponse
	resp, err := c.post(ctx, "/api/tasks", map[string]string{
		"type":           string(typ),
		"payload":        payload,
		"origin_channel": origin,
	})
	if err != nil {
		return out, err
	}
	if err := decodeJSON(resp, &out); err != nil {
		return out, fmt.Errorf("enqueueing task: %w", err)
	}
	return out, nil
}

func (c *Client) List(ctx context.Context) ([]queue.Task, error) {
	resp, err := c.get(ctx, "/api/tasks")
	if err != nil {
		return nil, err
	}
	var out struct {
		Tasks []queue.Task `json:"tasks"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return out.Tasks, nil
}

// Requeue returns an in-flight task to pending.
func (c *Client) Requeue(ctx context.Context, id string) (*queue.Task, error) {
	resp, err := c.post(ctx, "/api/tasks/"+url.PathEscape(id)+"/requeue", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Task *queue.Task `json:"task"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, fmt.Errorf("requeueing task: %w", err)
	}
	return out.Task, nil
}
