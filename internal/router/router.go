// Package router turns inbound chat messages into replies or queued PC
// tasks, and delivers task results back to the chat they came from.
package router

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/pcbridge/internal/config"
	"github.com/kalambet/pcbridge/internal/intent"
	"github.com/kalambet/pcbridge/internal/kv"
	"github.com/kalambet/pcbridge/internal/memory"
	"github.com/kalambet/pcbridge/internal/queue"
	"github.com/kalambet/pcbridge/internal/session"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

const (
	defaultMaxChainDepth = 8
	defaultHistoryLimit  = 25
	defaultChatTimeout   = 55 * time.Second
	defaultSessionTTL    = 24 * time.Hour
)

// Sender delivers outbound messages to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
	SendAttachment(ctx context.Context, chatID string, att queue.Attachment, caption string) error
}

// Classifier maps a message to an intent.Action.
type Classifier interface {
	Classify(ctx context.Context, in intent.Input) intent.Action
}

// Deps are the collaborators a Router needs.
type Deps struct {
	Queue      *queue.Queue
	Memory     *memory.Store
	Sessions   session.Cache
	Classifier Classifier
	LLM        intent.Chatter
	Sender     Sender
	Persona    config.Persona
}

// Options tunes a Router. Zero values pick the defaults.
type Options struct {
	// Password gates everything but /myid, /start, /login and /logout.
	// Empty disables the gate.
	Password        string
	SessionTTL      time.Duration
	MaxChainDepth   int
	HistoryLimit    int
	ClassifyModel   string
	ChatTimeout     time.Duration
	ChatTemperature float64
	// MaxResultChars caps task output in result messages. It should be at
	// least the agent's output cap so nothing is cut twice.
	MaxResultChars  int
	Clock           kv.Clock
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Router is the per-message state machine.
type Router struct {
	Deps
	opts    Options
	clock   kv.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Router.
func New(deps Deps, opts Options) *Router {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = defaultMaxChainDepth
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = defaultChatTimeout
	}
	if opts.MaxResultChars <= 0 {
		opts.MaxResultChars = DefaultMaxResultChars
	}
	r := &Router{Deps: deps, opts: opts, clock: opts.Clock, logger: opts.Logger, metrics: opts.Metrics}
	if r.clock == nil {
		r.clock = kv.RealClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NoopMetrics()
	}
	return r
}

// outcome labels for the routed-messages counter.
const (
	outDropped  = "dropped"
	outIgnored  = "ignored"
	outDenied   = "denied"
	outCommand  = "command"
	outQueued   = "queued"
	outMemory   = "remembered"
	outChat     = "chat"
	outChatFail = "chat_failed"
)

// Handle processes one inbound message. It never fails: every path ends in
// a reply, an apology, a denial or a deliberate drop.
func (r *Router) Handle(ctx context.Context, in Inbound) {
	ctx, span := telemetry.StartSpan(ctx, "router.handle", telemetry.AttrChatID.String(in.ChatID))
	defer span.End()

	outcome := r.handle(ctx, in)
	span.SetAttributes(attribute.String("pcbridge.router.outcome", outcome))
	r.metrics.MessagesRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Router) handle(ctx context.Context, in Inbound) string {
	if in.ChainDepth > r.opts.MaxChainDepth {
		r.logger.Debug("dropping message over chain depth", "chat_id", in.ChatID, "depth", in.ChainDepth)
		return outDropped
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return outIgnored
	}

	if strings.HasPrefix(text, "/") {
		name, arg := parseCommand(text)
		if !authExempt[name] && !r.authenticated(ctx, in.ChatID) {
			r.reply(ctx, in.ChatID, "Send `/login <password>` first.")
			return outDenied
		}
		r.runCommand(ctx, in, name, arg)
		return outCommand
	}

	if in.Group && !in.BotMentioned {
		return outIgnored
	}
	if !r.authenticated(ctx, in.ChatID) {
		r.reply(ctx, in.ChatID, "Send `/login <password>` first.")
		return outDenied
	}
	return r.converse(ctx, in.ChatID, text)
}

// parseCommand splits "/cmd@bot arg" into ("cmd", "arg").
func parseCommand(text string) (name, arg string) {
	head, rest := text, ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		head, rest = text[:i], text[i+1:]
	}
	head = strings.TrimPrefix(head, "/")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func (r *Router) authenticated(ctx context.Context, chatID string) bool {
	if r.opts.Password == "" {
		return true
	}
	_, ok, err := r.Sessions.Get(ctx, authKey(chatID))
	if err != nil {
		r.logger.Warn("session lookup failed", "chat_id", chatID, "error", err)
		return false
	}
	return ok
}

func (r *Router) checkPassword(input string) bool {
	want := strings.TrimSpace(r.opts.Password)
	return subtle.ConstantTimeCompare([]byte(input), []byte(want)) == 1
}

func authKey(chatID string) string  { return "auth:" + chatID }
func modelKey(chatID string) string { return "model:" + chatID }

// chatModel returns the per-chat model override or the persona default.
func (r *Router) chatModel(ctx context.Context, chatID string) string {
	if id, ok, err := r.Sessions.Get(ctx, modelKey(chatID)); err == nil && ok && id != "" {
		return id
	}
	return r.Persona.DefaultModel
}

// reply sends text and logs a failure. Replies are best effort.
func (r *Router) reply(ctx context.Context, chatID, text string) {
	if err := r.Sender.Send(ctx, chatID, text); err != nil {
		r.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}
