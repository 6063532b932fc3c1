package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pcbridge/internal/agent"
	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/queue"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Secret string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Secret: r.Header.Get("X-Agent-Secret"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"task not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

// use points newAPIClient at the test server and captures CLI output.
func (ts *testServer) use(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	oldClient, oldDiag, oldColor := newAPIClient, diag, noColor
	t.Cleanup(func() {
		newAPIClient, diag, noColor = oldClient, oldDiag, oldColor
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	newAPIClient = func() (*agent.Client, error) {
		return agent.NewClient(ts.server.URL, "test-secret"), nil
	}
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	diag = stderr
	noColor = true
	rootCmd.SetOut(stdout)
	return stdout, stderr
}

func TestQueueEnqueueCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/tasks": `{"id":"cmd_1_abcdef","queue_size":1}`,
	})
	_, stderr := ts.use(t)

	rootCmd.SetArgs([]string{"queue", "enqueue", "shell-command", "echo", "hi", "--chat", "42"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Secret != "test-secret" {
		t.Errorf("secret = %q, want test-secret", r.Secret)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["type"] != "shell-command" || body["payload"] != "echo hi" || body["origin_channel"] != "42" {
		t.Errorf("body = %v", body)
	}
	if !strings.Contains(stderr.String(), "Queued cmd_1_abcdef") {
		t.Errorf("stderr = %q, want confirmation", stderr.String())
	}
}

func TestQueueEnqueueCommand_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	rootCmd.SetArgs([]string{"queue", "enqueue", "teleport", "--chat", "42"})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Errorf("err = %v, want unknown task type", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests for an invalid type", len(ts.requests))
	}
}

func TestQueueListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/tasks": `{"tasks":[{"id":"cmd_1_aaaaaa","type":"shell-command","payload":"uptime","status":"pending","created_at":"2026-01-01T00:00:00Z"}]}`,
	})
	stdout, _ := ts.use(t)

	rootCmd.SetArgs([]string{"queue", "list"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"cmd_1_aaaaaa", "pending", "shell-command", "uptime"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestQueueListCommand_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/tasks": `{"tasks":[]}`})
	stdout, _ := ts.use(t)

	rootCmd.SetArgs([]string{"queue", "list"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(stdout.String(), "Queue is empty.") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestQueueRequeueCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	rootCmd.SetArgs([]string{"queue", "requeue", "missing"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "task not found") {
		t.Errorf("error = %q, want 404 with message", err)
	}
	if ts.requests[0].Path != "/api/tasks/missing/requeue" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health":     `{"status":"ok"}`,
		"GET /api/status": `{"pending":1,"in_flight":0,"total":1,"agent":{"online":true,"agent_id":"pc-1"}}`,
	})
	_, stderr := ts.use(t)

	rootCmd.SetArgs([]string{"status"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := stderr.String()
	for _, want := range []string{"running at", "1 pending", "online (pc-1)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestStatusCommand_Unreachable(t *testing.T) {
	ts := newTestServer(t, nil)
	_, stderr := ts.use(t)
	ts.server.Close()

	rootCmd.SetArgs([]string{"status"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(stderr.String(), "unreachable") {
		t.Errorf("output = %q, want unreachable", stderr.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorRed, "hello"); got != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorRed, "hello"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestAgentLine(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seen := now.Add(-90 * time.Second)
	got := agentLine(queue.AgentStatus{Online: true, AgentID: "pc-1", LastSeen: &seen}, now)
	if got != "online (pc-1), last seen 1m ago" {
		t.Errorf("agentLine = %q", got)
	}
	if got := agentLine(queue.AgentStatus{}, now); got != "offline" {
		t.Errorf("agentLine(empty) = %q, want offline", got)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3*time.Hour + 5*time.Minute, "3h"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("echo   hi\nthere", 60); got != "echo hi there" {
		t.Errorf("shorten = %q", got)
	}
	if got := shorten("abcdef", 3); got != "abc..." {
		t.Errorf("shorten = %q, want abc...", got)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Auth.AgentSecret = "hunter2"

	var foundPort, maskedSecret bool
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4000" {
			foundPort = true
		}
		if k.Key == "auth.agent_secret" && k.Value == "********" {
			maskedSecret = true
		}
	}
	if !foundPort {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
	if !maskedSecret {
		t.Error("expected auth.agent_secret to be masked")
	}
}

func TestIsSecretKey(t *testing.T) {
	if !isSecretKey("auth.agent_secret") {
		t.Error("auth.agent_secret should be secret")
	}
	if isSecretKey("server.port") {
		t.Error("server.port should not be secret")
	}
}
