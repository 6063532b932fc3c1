package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Memory    MemoryConfig
	LLM       LLMConfig
	Telegram  TelegramConfig
	Auth      AuthConfig
	Router    RouterConfig
	Agent     AgentConfig
	Persona   PersonaConfig
	Scheduler SchedulerConfig
	Log       LogConfig
	OTel      OTelConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	Backend string // "sqlite" or "memory"
}

type QueueConfig struct {
	Channel      string
	TTL          time.Duration
	MaxSize      int
	HeartbeatTTL time.Duration
}

type MemoryConfig struct {
	MaxTurns     int
	TurnTTL      time.Duration
	MaxTurnChars int
	MaxFacts     int
	HistoryLimit int
}

type LLMConfig struct {
	BaseURL         string
	APIKeys         []string
	ClassifyModel   string
	ClassifyTimeout time.Duration
	ChatTimeout     time.Duration
	MaxAttempts     int
	ChatTemperature float64
}

type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
	Mode          string // "webhook" or "poll"
	BotUsername   string
}

type AuthConfig struct {
	Password     string
	AgentSecret  string
	SessionTTL   time.Duration
	SessionStore string // "memory" or "persistent"
}

type RouterConfig struct {
	MaxChainDepth int
}

type AgentConfig struct {
	ServerURL         string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration
	MaxOutput         int
	SocialCommand     string
	TwitterCommand    string
}

type PersonaConfig struct {
	Path string
}

type SchedulerConfig struct {
	SweepSchedule string
}

type LogConfig struct {
	Level  string
	Format string
}

type OTelConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Queue: QueueConfig{
			Channel:      "pc",
			TTL:          30 * time.Minute,
			MaxSize:      200,
			HeartbeatTTL: 30 * time.Second,
		},
		Memory: MemoryConfig{
			MaxTurns:     20,
			TurnTTL:      time.Hour,
			MaxTurnChars: 500,
			MaxFacts:     100,
			HistoryLimit: 25,
		},
		LLM: LLMConfig{
			BaseURL:         "https://integrate.api.nvidia.com/v1",
			ClassifyTimeout: 25 * time.Second,
			ChatTimeout:     55 * time.Second,
			MaxAttempts:     3,
			ChatTemperature: 0.7,
		},
		Telegram: TelegramConfig{
			Mode: "webhook",
		},
		Auth: AuthConfig{
			SessionTTL:   24 * time.Hour,
			SessionStore: "memory",
		},
		Router: RouterConfig{
			MaxChainDepth: 8,
		},
		Agent: AgentConfig{
			ServerURL:         "http://127.0.0.1:8080",
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			CommandTimeout:    30 * time.Second,
			MaxOutput:         4000,
		},
		Scheduler: SchedulerConfig{
			SweepSchedule: "@every 5m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		OTel: OTelConfig{
			Exporter: "otlp-http",
			Endpoint: "localhost:4318",
		},
	}
}

// Load reads configuration from the JSON file backend, .env files,
// environment variables, and the local secrets file.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/pcbridge/config.json.
// Environment variables (PCBRIDGE_*) override backend values. Secrets are
// never read from the backend: they come from the environment (including
// .env files) or from $XDG_DATA_HOME/pcbridge/secrets.json.
//
// Load does not validate required settings; callers use RequireServer or
// RequireAgent depending on which side of the bridge they run.
func Load() (Config, error) {
	loadDotEnv()
	return loadWith(newPlatformBackend(), secretsFile{})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, sr secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecretFallbacks(&cfg, sr)

	return cfg, nil
}

// applySecretFallbacks fills secrets that are still empty from the secrets file.
func applySecretFallbacks(cfg *Config, sr secretReader) {
	for _, s := range specs {
		if !s.secret || !isEmpty(s.extract(*cfg)) {
			continue
		}
		v, err := sr.Get("pcbridge", s.key)
		if err != nil || v == "" {
			continue
		}
		if s.typ == kStringList {
			s.apply(cfg, splitList(v))
		} else {
			s.apply(cfg, v)
		}
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	}
	return false
}

// RequireServer reports the first missing setting needed by `pcbridge serve`.
func (c Config) RequireServer() error {
	if c.Auth.AgentSecret == "" {
		return missing("agent secret", "PCBRIDGE_AGENT_SECRET")
	}
	if c.Telegram.BotToken == "" {
		return missing("Telegram bot token", "PCBRIDGE_TELEGRAM_BOT_TOKEN")
	}
	if len(c.LLM.APIKeys) == 0 {
		return missing("LLM API keys", "PCBRIDGE_LLM_API_KEYS")
	}
	return nil
}

// RequireAgent reports the first missing setting needed by `pcbridge agent`.
func (c Config) RequireAgent() error {
	if c.Auth.AgentSecret == "" {
		return missing("agent secret", "PCBRIDGE_AGENT_SECRET")
	}
	if c.Agent.ServerURL == "" {
		return missing("server URL", "PCBRIDGE_AGENT_SERVER_URL")
	}
	return nil
}

func missing(what, env string) error {
	msg := "missing required config: " + what + ". " +
		"Set it via environment variable " + env +
		" or in " + secretsFilePath()
	return fmt.Errorf("%s", msg)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
