// Package intent decides whether a chat message is a PC directive and, if
// so, which one.
package intent

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/pcbridge/internal/llm"
	"github.com/kalambet/pcbridge/internal/memory"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

const (
	defaultTimeout  = 25 * time.Second
	temperature     = 0.1
	maxOutputTokens = 512
)

// Chatter is the chat completion dependency.
type Chatter interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Input is what the classifier sees for one message.
type Input struct {
	Model        string
	Message      string
	ContextBlock string
	History      []memory.Turn
}

// Classifier maps messages to Actions with one LLM call.
type Classifier struct {
	client  Chatter
	skills  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClassifier creates a Classifier. skills is injected into every prompt.
// A zero timeout picks the default.
func NewClassifier(client Chatter, skills string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, skills: skills, timeout: timeout, logger: logger}
}

// Classify returns the directive in in.Message. On any failure (timeout,
// transport error, malformed output) it returns Chat so the caller falls
// through to a conversational reply.
func (c *Classifier) Classify(ctx context.Context, in Input) Action {
	if in.Message == "" {
		return Chat{}
	}

	ctx, span := telemetry.StartSpan(ctx, "intent.classify", telemetry.AttrModel.String(in.Model))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Complete(ctx, llm.Request{
		Model:       in.Model,
		Messages:    BuildPrompt(in.Message, c.skills, in.ContextBlock, in.History),
		Temperature: temperature,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		c.logger.Warn("classification call failed", "error", err)
		return Chat{}
	}

	action, err := Parse(raw)
	if err != nil {
		c.logger.Warn("classification parse failed", "error", err, "response", truncate(raw, 300))
		return Chat{}
	}
	span.SetAttributes(telemetry.AttrAction.String(Name(action)))
	return action
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Name returns a short label for a, used in logs and metrics.
func Name(a Action) string {
	switch v := a.(type) {
	case Chat:
		return "chat"
	case Unknown:
		return "unknown:" + v.Name
	case Open:
		return "open"
	case Shell:
		return "shell"
	case Screenshot:
		return "screenshot"
	case SendFile:
		return "sendfile"
	case ReadFile:
		return "readfile"
	case ReviewFile:
		return "reviewfile"
	case SystemInfo:
		return "sysinfo"
	case PlayAudio:
		return "playaudio"
	case Multi:
		return "multi"
	case Remember:
		return "remember"
	case SocialPost:
		return "social"
	case TwitterAction:
		return string(v.Op)
	}
	return "unknown"
}
