// Package api serves the HTTP surface: the task relay used by the local
// agent, the Telegram webhook and health checks.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pcbridge/internal/queue"
	"github.com/kalambet/pcbridge/internal/router"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxResultBodySize  = 16 << 20 // attachments arrive base64 encoded

	detachedTimeout = 90 * time.Second
)

// MessageHandler consumes inbound chat messages.
type MessageHandler interface {
	Handle(ctx context.Context, in router.Inbound)
}

// Deliverer sends a finished task's result to its chat.
type Deliverer interface {
	DeliverResult(ctx context.Context, t queue.Task) error
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Queue       *queue.Queue
	Messages    MessageHandler
	Deliverer   Deliverer
	AgentSecret string
	// WebhookSecret, when set, must match X-Telegram-Bot-Api-Secret-Token.
	WebhookSecret string
	BotUsername   string
	Logger        *slog.Logger
}

// Handler is the root http.Handler. Work detached from requests (webhook
// processing, result delivery) is tracked so shutdown can wait for it.
type Handler struct {
	http.Handler
	deps     Deps
	inflight sync.WaitGroup
}

// NewHandler builds the chi router for every route.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Handler{deps: deps}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Post("/webhook/telegram", h.handleTelegramWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(AgentSecret(deps.AgentSecret))
		r.Post("/tasks", handleEnqueue(deps))
		r.Get("/tasks", handleListTasks(deps))
		r.Get("/tasks/claim", handleClaim(deps))
		r.Post("/tasks/result", h.handleResult)
		r.Post("/tasks/{id}/requeue", handleRequeue(deps))
		r.Post("/agent/heartbeat", handleHeartbeat(deps))
		r.Get("/status", handleStatus(deps))
	})

	h.Handler = r
	return h
}

// Wait blocks until detached work started by requests has finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// detach runs fn outside the request lifetime with its own timeout.
func (h *Handler) detach(r *http.Request, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), detachedTimeout)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer cancel()
		fn(ctx)
	}()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
