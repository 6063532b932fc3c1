package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/pcbridge/internal/telegram"
)

// handleTelegramWebhook acknowledges the update at once and routes it
// detached from the request, so Telegram never retries a slow reply.
func (h *Handler) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	deps := h.deps
	if deps.WebhookSecret != "" && !secretEqual(r.Header.Get("X-Telegram-Bot-Api-Secret-Token"), deps.WebhookSecret) {
		httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		deps.Logger.Warn("undecodable telegram update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	in, ok := telegram.ToInbound(update, deps.BotUsername)
	if ok {
		if d, err := strconv.Atoi(r.Header.Get("X-Chain-Depth")); err == nil && d > 0 {
			in.ChainDepth = d
		}
		h.detach(r, func(ctx context.Context) {
			deps.Messages.Handle(ctx, in)
		})
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
