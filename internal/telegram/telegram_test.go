package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kalambet/pcbridge/internal/queue"
	"github.com/kalambet/pcbridge/internal/router"
)

// fakeBot records every Chattable. When rejectMarkdown is set, messages with
// a parse mode fail the way the Bot API rejects bad entities. A non-nil err
// fails every send.
type fakeBot struct {
	rejectMarkdown bool
	failAll        bool
	err            error
	sent           []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if f.failAll {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities: boom"}
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok && f.rejectMarkdown && m.ParseMode != "" {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities: unclosed bold"}
	}
	return tgbotapi.Message{}, nil
}

func TestSplit_Short(t *testing.T) {
	got := Split("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("Split = %q", got)
	}
}

func TestSplit_PrefersLateNewline(t *testing.T) {
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := Split(text, 10)
	want := []string{"aaaaaa", "bbbbbb"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestSplit_EarlyNewlineHardCuts(t *testing.T) {
	// Newline at index 1 is before 30% of 10, so the cut is at 10.
	text := "a\n" + strings.Repeat("b", 14)
	got := Split(text, 10)
	if len(got) != 2 {
		t.Fatalf("Split = %q, want 2 chunks", got)
	}
	if got[0] != "a\nbbbbbbbb" {
		t.Errorf("chunk 0 = %q", got[0])
	}
	if got[1] != "bbbbbb" {
		t.Errorf("chunk 1 = %q", got[1])
	}
}

func TestSplit_TrimsLeadingWhitespace(t *testing.T) {
	text := strings.Repeat("x", 10) + "   \n  tail"
	got := Split(text, 10)
	if len(got) != 2 || got[1] != "tail" {
		t.Errorf("Split = %q", got)
	}
}

func TestSplit_RuneSafe(t *testing.T) {
	text := strings.Repeat("é", 25)
	for _, c := range Split(text, 10) {
		if n := len([]rune(c)); n > 10 {
			t.Errorf("chunk has %d runes", n)
		}
	}
	if got := strings.Join(Split(text, 10), ""); got != text {
		t.Error("chunks do not reassemble the text")
	}
}

func TestSend_MarkdownFallback(t *testing.T) {
	bot := &fakeBot{rejectMarkdown: true}
	s := NewSender(bot, nil)

	if err := s.Send(context.Background(), "42", "*bad_markdown"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(bot.sent))
	}
	first := bot.sent[0].(tgbotapi.MessageConfig)
	second := bot.sent[1].(tgbotapi.MessageConfig)
	if first.ParseMode != tgbotapi.ModeMarkdown {
		t.Errorf("first parse mode = %q", first.ParseMode)
	}
	if second.ParseMode != "" {
		t.Errorf("fallback parse mode = %q, want plain", second.ParseMode)
	}
	if second.ChatID != 42 {
		t.Errorf("chat id = %d", second.ChatID)
	}
}

func TestSend_SplitsLongText(t *testing.T) {
	bot := &fakeBot{}
	s := NewSender(bot, nil)
	text := strings.Repeat("line of text\n", 700)

	if err := s.Send(context.Background(), "1", text); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(bot.sent) < 2 {
		t.Fatalf("sent %d messages, want several", len(bot.sent))
	}
	for _, c := range bot.sent {
		if n := len([]rune(c.(tgbotapi.MessageConfig).Text)); n > MaxMessageLen {
			t.Errorf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestSend_Errors(t *testing.T) {
	s := NewSender(&fakeBot{failAll: true}, nil)
	if err := s.Send(context.Background(), "1", "hi"); err == nil {
		t.Error("expected error when both sends fail")
	}
	if err := s.Send(context.Background(), "not-a-number", "hi"); err == nil {
		t.Error("expected error for invalid chat id")
	}
}

func TestSend_NoResendAfterTransportError(t *testing.T) {
	bot := &fakeBot{err: context.DeadlineExceeded}
	s := NewSender(bot, nil)

	err := s.Send(context.Background(), "42", "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if len(bot.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(bot.sent))
	}
}

func TestSend_NoResendAfterOtherAPIError(t *testing.T) {
	bot := &fakeBot{err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}}
	s := NewSender(bot, nil)

	if err := s.Send(context.Background(), "42", "hello"); err == nil {
		t.Fatal("expected error")
	}
	if len(bot.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(bot.sent))
	}
}

func TestIsParseRejection(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities: x"}, true},
		{tgbotapi.Error{Code: 400, Message: "Bad Request: Can't parse entities"}, true},
		{fmt.Errorf("wrapped: %w", &tgbotapi.Error{Code: 400, Message: "can't parse entities"}), true},
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, false},
		{&tgbotapi.Error{Code: 429, Message: "can't parse entities"}, false},
		{errors.New("Bad Request: can't parse entities"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := isParseRejection(tt.err); got != tt.want {
			t.Errorf("isParseRejection(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSendAttachment(t *testing.T) {
	bot := &fakeBot{}
	s := NewSender(bot, nil)
	ctx := context.Background()

	if err := s.SendAttachment(ctx, "7", queue.Attachment{Name: "shot.png", Kind: queue.KindPhoto, Data: []byte{1}}, "Screenshot"); err != nil {
		t.Fatalf("SendAttachment photo: %v", err)
	}
	if err := s.SendAttachment(ctx, "7", queue.Attachment{Name: "a.txt", Kind: queue.KindDocument, Data: []byte("x")}, ""); err != nil {
		t.Fatalf("SendAttachment document: %v", err)
	}

	photo, ok := bot.sent[0].(tgbotapi.PhotoConfig)
	if !ok {
		t.Fatalf("first send is %T, want PhotoConfig", bot.sent[0])
	}
	if photo.Caption != "Screenshot" {
		t.Errorf("caption = %q", photo.Caption)
	}
	if _, ok := bot.sent[1].(tgbotapi.DocumentConfig); !ok {
		t.Errorf("second send is %T, want DocumentConfig", bot.sent[1])
	}
}

func TestToInbound(t *testing.T) {
	u := tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "hey @PcBridgeBot open youtube",
		Chat: &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		From: &tgbotapi.User{ID: 5, FirstName: "Ana"},
	}}
	in, ok := ToInbound(u, "pcbridgebot")
	if !ok {
		t.Fatal("ToInbound returned false")
	}
	want := router.Inbound{
		ChatID: "-100", SenderID: "5", SenderName: "Ana",
		Text: "hey @PcBridgeBot open youtube", Group: true, BotMentioned: true,
	}
	if in != want {
		t.Errorf("ToInbound = %+v, want %+v", in, want)
	}
}

func TestToInbound_ReplyCountsAsMention(t *testing.T) {
	u := tgbotapi.Update{Message: &tgbotapi.Message{
		Text:           "and now?",
		Chat:           &tgbotapi.Chat{ID: -1, Type: "group"},
		ReplyToMessage: &tgbotapi.Message{From: &tgbotapi.User{UserName: "PcBridgeBot"}},
	}}
	in, _ := ToInbound(u, "@PcBridgeBot")
	if !in.BotMentioned {
		t.Error("reply to the bot should count as a mention")
	}
}

func TestToInbound_Skips(t *testing.T) {
	for _, u := range []tgbotapi.Update{
		{},
		{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1, Type: "private"}}},
	} {
		if _, ok := ToInbound(u, ""); ok {
			t.Errorf("ToInbound(%+v) should skip", u)
		}
	}
}

type fakeSource struct {
	ch      chan tgbotapi.Update
	stopped int
}

func (f *fakeSource) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.ch }
func (f *fakeSource) StopReceivingUpdates()                                       { f.stopped++ }

type recordingHandler struct {
	mu  sync.Mutex
	got []router.Inbound
}

func (h *recordingHandler) Handle(_ context.Context, in router.Inbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, in)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func TestPoller_DeliversUntilCancelled(t *testing.T) {
	src := &fakeSource{ch: make(chan tgbotapi.Update, 2)}
	h := &recordingHandler{}
	p := NewPoller(src, "", h, nil)

	src.ch <- tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 9, Type: "private"}}}
	src.ch <- tgbotapi.Update{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.count() != 1 || h.got[0].ChatID != "9" {
		t.Errorf("handled = %+v", h.got)
	}
	if src.stopped == 0 {
		t.Error("StopReceivingUpdates was not called")
	}
}
