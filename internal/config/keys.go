package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kStringList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PCBRIDGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PCBRIDGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "PCBRIDGE_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "queue.channel", typ: kString, env: "PCBRIDGE_QUEUE_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Queue.Channel = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Channel },
	},
	{
		key: "queue.ttl", typ: kDuration, env: "PCBRIDGE_QUEUE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Queue.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.TTL },
	},
	{
		key: "queue.max_size", typ: kInt, env: "PCBRIDGE_QUEUE_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxSize },
	},
	{
		key: "queue.heartbeat_ttl", typ: kDuration, env: "PCBRIDGE_QUEUE_HEARTBEAT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Queue.HeartbeatTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.HeartbeatTTL },
	},
	{
		key: "memory.max_turns", typ: kInt, env: "PCBRIDGE_MEMORY_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxTurns },
	},
	{
		key: "memory.turn_ttl", typ: kDuration, env: "PCBRIDGE_MEMORY_TURN_TTL",
		apply:   func(cfg *Config, v any) { cfg.Memory.TurnTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Memory.TurnTTL },
	},
	{
		key: "memory.max_turn_chars", typ: kInt, env: "PCBRIDGE_MEMORY_MAX_TURN_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxTurnChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxTurnChars },
	},
	{
		key: "memory.max_facts", typ: kInt, env: "PCBRIDGE_MEMORY_MAX_FACTS",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxFacts = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxFacts },
	},
	{
		key: "memory.history_limit", typ: kInt, env: "PCBRIDGE_MEMORY_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Memory.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.HistoryLimit },
	},
	{
		key: "llm.base_url", typ: kString, env: "PCBRIDGE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_keys", typ: kStringList, env: "PCBRIDGE_LLM_API_KEYS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKeys = v.([]string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKeys },
	},
	{
		key: "llm.classify_model", typ: kString, env: "PCBRIDGE_LLM_CLASSIFY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ClassifyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ClassifyModel },
	},
	{
		key: "llm.classify_timeout", typ: kDuration, env: "PCBRIDGE_LLM_CLASSIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.ClassifyTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.ClassifyTimeout },
	},
	{
		key: "llm.chat_timeout", typ: kDuration, env: "PCBRIDGE_LLM_CHAT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.ChatTimeout },
	},
	{
		key: "llm.max_attempts", typ: kInt, env: "PCBRIDGE_LLM_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxAttempts },
	},
	{
		key: "llm.chat_temperature", typ: kFloat, env: "PCBRIDGE_LLM_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatTemperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.ChatTemperature },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "PCBRIDGE_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "PCBRIDGE_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
	{
		key: "telegram.mode", typ: kString, env: "PCBRIDGE_TELEGRAM_MODE",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Mode },
	},
	{
		key: "telegram.bot_username", typ: kString, env: "PCBRIDGE_TELEGRAM_BOT_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotUsername = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotUsername },
	},
	{
		key: "auth.password", typ: kString, env: "PCBRIDGE_AUTH_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Password },
	},
	{
		key: "auth.agent_secret", typ: kString, env: "PCBRIDGE_AGENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AgentSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AgentSecret },
	},
	{
		key: "auth.session_ttl", typ: kDuration, env: "PCBRIDGE_AUTH_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Auth.SessionTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Auth.SessionTTL },
	},
	{
		key: "auth.session_store", typ: kString, env: "PCBRIDGE_AUTH_SESSION_STORE",
		apply:   func(cfg *Config, v any) { cfg.Auth.SessionStore = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.SessionStore },
	},
	{
		key: "router.max_chain_depth", typ: kInt, env: "PCBRIDGE_ROUTER_MAX_CHAIN_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Router.MaxChainDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Router.MaxChainDepth },
	},
	{
		key: "agent.server_url", typ: kString, env: "PCBRIDGE_AGENT_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Agent.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.ServerURL },
	},
	{
		key: "agent.poll_interval", typ: kDuration, env: "PCBRIDGE_AGENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Agent.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.PollInterval },
	},
	{
		key: "agent.heartbeat_interval", typ: kDuration, env: "PCBRIDGE_AGENT_HEARTBEAT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Agent.HeartbeatInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.HeartbeatInterval },
	},
	{
		key: "agent.command_timeout", typ: kDuration, env: "PCBRIDGE_AGENT_COMMAND_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.CommandTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.CommandTimeout },
	},
	{
		key: "agent.max_output", typ: kInt, env: "PCBRIDGE_AGENT_MAX_OUTPUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxOutput = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxOutput },
	},
	{
		key: "agent.social_command", typ: kString, env: "PCBRIDGE_AGENT_SOCIAL_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Agent.SocialCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.SocialCommand },
	},
	{
		key: "agent.twitter_command", typ: kString, env: "PCBRIDGE_AGENT_TWITTER_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Agent.TwitterCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.TwitterCommand },
	},
	{
		key: "persona.path", typ: kString, env: "PCBRIDGE_PERSONA_PATH",
		apply:   func(cfg *Config, v any) { cfg.Persona.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Persona.Path },
	},
	{
		key: "scheduler.sweep_schedule", typ: kString, env: "PCBRIDGE_SCHEDULER_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.SweepSchedule },
	},
	{
		key: "log.level", typ: kString, env: "PCBRIDGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "PCBRIDGE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "otel.enabled", typ: kBool, env: "PCBRIDGE_OTEL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.OTel.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.OTel.Enabled },
	},
	{
		key: "otel.exporter", typ: kString, env: "PCBRIDGE_OTEL_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.OTel.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.OTel.Exporter },
	},
	{
		key: "otel.endpoint", typ: kString, env: "PCBRIDGE_OTEL_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.OTel.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.OTel.Endpoint },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && v == "") {
			continue
		}
		parsed, err := parseValue(s.typ, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			continue
		}
		s.apply(cfg, parsed)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		parsed, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, parsed)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", d)
		}
		return d, nil
	case kStringList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}
