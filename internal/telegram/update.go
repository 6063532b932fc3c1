package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/pcbridge/internal/router"
)

// ToInbound converts a Telegram update into a router message. It returns
// false for updates that carry no text message.
func ToInbound(u tgbotapi.Update, botUsername string) (router.Inbound, bool) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return router.Inbound{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return router.Inbound{}, false
	}

	in := router.Inbound{
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   text,
		Group:  msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msg.From != nil {
		in.SenderID = strconv.FormatInt(msg.From.ID, 10)
		in.SenderName = msg.From.FirstName
		if in.SenderName == "" {
			in.SenderName = msg.From.UserName
		}
	}
	in.BotMentioned = mentions(msg, botUsername)
	return in, true
}

func mentions(msg *tgbotapi.Message, botUsername string) bool {
	name := strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
	if name == "" {
		return false
	}
	if strings.Contains(strings.ToLower(msg.Text+" "+msg.Caption), "@"+strings.ToLower(name)) {
		return true
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil {
		return strings.EqualFold(r.From.UserName, name)
	}
	return false
}
