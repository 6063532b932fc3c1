package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	values map[string]string
	err    error
}

func (m mockSecrets) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return openFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/xdg-data/pcbridge" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Queue.TTL != 30*time.Minute {
		t.Errorf("Queue.TTL = %v, want 30m", cfg.Queue.TTL)
	}
	if cfg.Queue.MaxSize != 200 {
		t.Errorf("Queue.MaxSize = %d, want 200", cfg.Queue.MaxSize)
	}
	if cfg.Memory.MaxTurns != 20 || cfg.Memory.MaxTurnChars != 500 || cfg.Memory.MaxFacts != 100 {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.LLM.ClassifyTimeout != 25*time.Second || cfg.LLM.ChatTimeout != 55*time.Second {
		t.Errorf("LLM timeouts = %v/%v", cfg.LLM.ClassifyTimeout, cfg.LLM.ChatTimeout)
	}
	if cfg.Router.MaxChainDepth != 8 {
		t.Errorf("Router.MaxChainDepth = %d, want 8", cfg.Router.MaxChainDepth)
	}
	if cfg.Agent.PollInterval != 2*time.Second {
		t.Errorf("Agent.PollInterval = %v", cfg.Agent.PollInterval)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := writeTempConfig(t, `{
  "server.port": 9090,
  "queue.ttl": "10m",
  "queue.channel": "desk",
  "otel.enabled": "true",
  "llm.chat_temperature": "0.2",
  "llm.api_keys": "should-be-ignored"
}`)
	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.TTL != 10*time.Minute {
		t.Errorf("Queue.TTL = %v, want 10m", cfg.Queue.TTL)
	}
	if cfg.Queue.Channel != "desk" {
		t.Errorf("Queue.Channel = %q", cfg.Queue.Channel)
	}
	if !cfg.OTel.Enabled {
		t.Error("OTel.Enabled = false, want true")
	}
	if cfg.LLM.ChatTemperature != 0.2 {
		t.Errorf("LLM.ChatTemperature = %v", cfg.LLM.ChatTemperature)
	}
	if len(cfg.LLM.APIKeys) != 0 {
		t.Errorf("secrets must not be read from the backend, got %v", cfg.LLM.APIKeys)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("PCBRIDGE_SERVER_PORT", "7000")
	t.Setenv("PCBRIDGE_AGENT_POLL_INTERVAL", "500ms")
	t.Setenv("PCBRIDGE_LLM_API_KEYS", "k1, k2,,k3")

	b := writeTempConfig(t, `{"server.port": 9090}`)
	cfg, err := loadWith(b, mockSecrets{values: map[string]string{"llm.api_keys": "file-key"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Agent.PollInterval != 500*time.Millisecond {
		t.Errorf("Agent.PollInterval = %v", cfg.Agent.PollInterval)
	}
	want := []string{"k1", "k2", "k3"}
	if strings.Join(cfg.LLM.APIKeys, "|") != strings.Join(want, "|") {
		t.Errorf("LLM.APIKeys = %v, want %v", cfg.LLM.APIKeys, want)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("PCBRIDGE_QUEUE_TTL", "forever")
	t.Setenv("PCBRIDGE_SERVER_PORT", "eighty")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.TTL != 30*time.Minute {
		t.Errorf("Queue.TTL = %v, want default", cfg.Queue.TTL)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestSecretsFallback(t *testing.T) {
	clearEnv(t)

	sr := mockSecrets{values: map[string]string{
		"auth.agent_secret":  "s3cret",
		"telegram.bot_token": "123:abc",
		"llm.api_keys":       "a,b",
	}}
	cfg, err := loadWith(writeTempConfig(t, `{}`), sr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.AgentSecret != "s3cret" {
		t.Errorf("AgentSecret = %q", cfg.Auth.AgentSecret)
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("BotToken = %q", cfg.Telegram.BotToken)
	}
	if len(cfg.LLM.APIKeys) != 2 {
		t.Errorf("APIKeys = %v", cfg.LLM.APIKeys)
	}
	if err := cfg.RequireServer(); err != nil {
		t.Errorf("RequireServer: %v", err)
	}
}

func TestRequireServerMissing(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{err: errors.New("no file")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = cfg.RequireServer()
	if err == nil {
		t.Fatal("expected error for missing secrets, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
	if !strings.Contains(err.Error(), "PCBRIDGE_AGENT_SECRET") {
		t.Errorf("error should name the env var, got %q", err)
	}
}

func TestRequireAgent(t *testing.T) {
	cfg := defaults()
	if err := cfg.RequireAgent(); err == nil {
		t.Fatal("expected error without agent secret")
	}
	cfg.Auth.AgentSecret = "x"
	if err := cfg.RequireAgent(); err != nil {
		t.Errorf("RequireAgent: %v", err)
	}
}

type recordingSecrets struct {
	set map[string]string
}

func (r *recordingSecrets) Set(service, account, value string) error {
	r.set[account] = value
	return nil
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)
	sw := &recordingSecrets{set: map[string]string{}}

	if err := setKeyWith(b, sw, "server.port", "9000"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if v, ok, _ := b.GetInt("server.port"); !ok || v != 9000 {
		t.Errorf("server.port = %d (ok=%v)", v, ok)
	}
	if err := setKeyWith(b, sw, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, sw, "queue.ttl", "nope"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKeyWith(b, sw, "auth.password", "hunter2"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if sw.set["auth.password"] != "hunter2" {
		t.Error("secret was not written to the secrets store")
	}
	if _, ok, _ := b.GetString("auth.password"); ok {
		t.Error("secret leaked into the config file")
	}
	if err := setKeyWith(b, sw, "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	reloaded := openFileBackend(b.path)
	if v, ok, _ := reloaded.GetInt("server.port"); !ok || v != 9000 {
		t.Errorf("persisted server.port = %d (ok=%v)", v, ok)
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.Password = "hunter2"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "hunter2") {
			t.Fatalf("secret value exposed for %s", k.Key)
		}
		if k.Key == "auth.password" && k.Value != "********" {
			t.Errorf("auth.password = %q, want mask", k.Value)
		}
		if k.Key == "auth.agent_secret" && k.Value != "(unset)" {
			t.Errorf("auth.agent_secret = %q, want (unset)", k.Value)
		}
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	f := secretsFile{path: filepath.Join(t.TempDir(), "secrets.json")}
	if _, err := f.Get("pcbridge", "auth.password"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := f.Set("pcbridge", "auth.password", "pw"); err != nil {
		t.Fatal(err)
	}
	got, err := f.Get("pcbridge", "auth.password")
	if err != nil || got != "pw" {
		t.Errorf("Get = %q, %v", got, err)
	}
}

func TestDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(orig) })

	os.WriteFile(".env", []byte("PCBRIDGE_QUEUE_CHANNEL=from-env-file\nPCBRIDGE_LOG_LEVEL=debug\n"), 0o600)
	os.WriteFile(".env.local", []byte("PCBRIDGE_LOG_LEVEL=warn\n"), 0o600)
	t.Setenv("PCBRIDGE_QUEUE_CHANNEL", "real")
	t.Setenv("PCBRIDGE_LOG_LEVEL", "")
	os.Unsetenv("PCBRIDGE_LOG_LEVEL")

	loadDotEnv()

	if got := os.Getenv("PCBRIDGE_QUEUE_CHANNEL"); got != "real" {
		t.Errorf("PCBRIDGE_QUEUE_CHANNEL = %q, want real", got)
	}
	if got := os.Getenv("PCBRIDGE_LOG_LEVEL"); got != "warn" {
		t.Errorf("PCBRIDGE_LOG_LEVEL = %q, want warn", got)
	}
}
