package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/pcbridge/internal/router"
)

// Handler consumes inbound messages.
type Handler interface {
	Handle(ctx context.Context, in router.Inbound)
}

// updateSource is the subset of *tgbotapi.BotAPI used for long polling.
type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poller receives updates by long polling instead of a webhook.
type Poller struct {
	bot         updateSource
	botUsername string
	handler     Handler
	logger      *slog.Logger

	stallTimeout time.Duration
	maxBackoff   time.Duration
}

// NewPoller creates a Poller that passes every message to h.
func NewPoller(bot updateSource, botUsername string, h Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		bot:          bot,
		botUsername:  botUsername,
		handler:      h,
		logger:       logger,
		stallTimeout: 150 * time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// Run polls until ctx is cancelled, reconnecting with exponential backoff
// when the update stream closes or stalls.
func (p *Poller) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := p.bot.GetUpdatesChan(u)

		err := p.poll(ctx, updates)
		p.bot.StopReceivingUpdates()
		if err == nil {
			return nil
		}

		p.logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

// poll returns nil on cancellation and an error when the stream needs a
// reconnect.
func (p *Poller) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(p.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.stallTimeout)

			in, ok := ToInbound(update, p.botUsername)
			if !ok {
				continue
			}
			p.handler.Handle(ctx, in)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", p.stallTimeout)
		}
	}
}
