// Package telegram is the Telegram side of the messaging gateway: outbound
// sends with splitting and Markdown fallback, inbound update decoding and a
// long-poll loop for hosts without a public webhook URL.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/pcbridge/internal/queue"
)

const (
	// MaxMessageLen is the chunk size for outbound text. Telegram's hard
	// limit is 4096.
	MaxMessageLen = 4000
	// minSplitRatio is how far into a chunk a newline must be to split there.
	minSplitRatio = 0.3

	httpTimeout = 30 * time.Second
)

// botClient is the subset of *tgbotapi.BotAPI used for sending.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender delivers text and attachments to Telegram chats.
type Sender struct {
	bot    botClient
	logger *slog.Logger
}

// NewBot connects to the Bot API with a bounded HTTP client.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: httpTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

// NewSender wraps bot. A nil logger uses slog.Default().
func NewSender(bot botClient, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{bot: bot, logger: logger}
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

// Send splits text into chunks and sends each with Markdown, falling back to
// plain text only for chunks Telegram refuses to parse. Any other failure
// may have delivered the chunk, so it is returned without a resend.
func (s *Sender) Send(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	for _, chunk := range Split(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(id, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := s.bot.Send(msg); err != nil {
			if !isParseRejection(err) {
				return fmt.Errorf("sending message: %w", err)
			}
			s.logger.Debug("markdown rejected, retrying as plain text", "chat_id", chatID, "error", err)
			msg.ParseMode = ""
			if _, err := s.bot.Send(msg); err != nil {
				return fmt.Errorf("sending message: %w", err)
			}
		}
	}
	return nil
}

// isParseRejection reports whether err is Telegram refusing the message's
// Markdown entities.
func isParseRejection(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		var v tgbotapi.Error
		if !errors.As(err, &v) {
			return false
		}
		apiErr = &v
	}
	return apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "can't parse entities")
}

// SendAttachment sends att as a photo or document with an optional caption.
func (s *Sender) SendAttachment(ctx context.Context, chatID string, att queue.Attachment, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	name := att.Name
	if name == "" {
		name = "file"
	}
	file := tgbotapi.FileBytes{Name: name, Bytes: att.Data}

	var c tgbotapi.Chattable
	switch att.Kind {
	case queue.KindPhoto:
		p := tgbotapi.NewPhoto(id, file)
		p.Caption = caption
		c = p
	default:
		d := tgbotapi.NewDocument(id, file)
		d.Caption = caption
		c = d
	}
	if _, err := s.bot.Send(c); err != nil {
		return fmt.Errorf("sending %s: %w", att.Kind, err)
	}
	return nil
}

// Split breaks text into chunks of at most limit runes. A chunk ends at the
// last newline within the limit when that newline sits at or after 30% of
// it; otherwise the chunk is cut at the limit. Leading whitespace of the
// remainder is dropped.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	rest := []rune(text)
	if len(rest) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(rest) > 0 {
		if len(rest) <= limit {
			chunks = append(chunks, string(rest))
			break
		}
		cut := -1
		for i := limit; i >= 0; i-- {
			if rest[i] == '\n' {
				cut = i
				break
			}
		}
		if cut < int(float64(limit)*minSplitRatio) {
			cut = limit
		}
		chunks = append(chunks, string(rest[:cut]))
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \t\r\n"))
	}
	return chunks
}
