package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/pcbridge/internal/intent"
	"github.com/kalambet/pcbridge/internal/llm"
	"github.com/kalambet/pcbridge/internal/memory"
	"github.com/kalambet/pcbridge/internal/queue"
)

const defaultReviewQuestion = "Review the contents of this file."

var (
	rememberFirst = regexp.MustCompile(`(?i)\[REMEMBER:\s*(.+?)\]`)
	rememberAll   = regexp.MustCompile(`(?i)\[REMEMBER:\s*.+?\]`)
)

// converse classifies a free-text message and either queues a task,
// stores a fact, or answers conversationally.
func (r *Router) converse(ctx context.Context, chat, text string) string {
	model := r.chatModel(ctx, chat)

	contextBlock, err := r.Memory.BuildContextBlock(ctx, chat)
	if err != nil {
		r.logger.Warn("building context block failed", "chat_id", chat, "error", err)
	}
	history, err := r.Memory.GetRecentTurns(ctx, chat, r.opts.HistoryLimit)
	if err != nil {
		r.logger.Warn("reading history failed", "chat_id", chat, "error", err)
	}

	classifyModel := r.opts.ClassifyModel
	if classifyModel == "" {
		classifyModel = model
	}
	action := r.Classifier.Classify(ctx, intent.Input{
		Model:        classifyModel,
		Message:      text,
		ContextBlock: contextBlock,
		History:      history,
	})
	r.logger.Debug("message classified", "chat_id", chat, "action", intent.Name(action))

	switch a := action.(type) {
	case intent.Chat, intent.Unknown:
		return r.chatReply(ctx, chat, text, model, contextBlock, history)
	case intent.Remember:
		reply := a.ReplyText()
		added, err := r.Memory.Remember(ctx, chat, a.Fact)
		if err != nil {
			r.logger.Warn("remember failed", "chat_id", chat, "error", err)
		}
		if reply == "" {
			reply = fmt.Sprintf("Got it, I'll remember: %q", a.Fact)
			if err == nil && !added {
				reply = fmt.Sprintf("I already know: %q", a.Fact)
			}
		}
		r.recordExchange(ctx, chat, text, reply)
		r.reply(ctx, chat, reply)
		return outMemory
	}

	typ, payload, ack, err := taskFor(action)
	if err != nil {
		r.logger.Warn("cannot build task for action", "action", intent.Name(action), "error", err)
		return r.chatReply(ctx, chat, text, model, contextBlock, history)
	}
	t := r.enqueue(ctx, chat, typ, payload)
	if reply := action.ReplyText(); reply != "" {
		ack = reply
	}
	r.logger.Info("task queued from chat", "task_id", t.ID, "type", typ, "chat_id", chat)
	r.recordExchange(ctx, chat, text, ack)
	r.reply(ctx, chat, ack)
	return outQueued
}

// taskFor maps a device action to a task type, its payload and a default
// acknowledgement.
func taskFor(a intent.Action) (queue.TaskType, string, string, error) {
	switch v := a.(type) {
	case intent.Open:
		return queue.TypeOpen, v.Target, fmt.Sprintf("Opening: *%s*", v.Target), nil
	case intent.Shell:
		return queue.TypeShell, v.Command, fmt.Sprintf("Running: `%s`", v.Command), nil
	case intent.Screenshot:
		return queue.TypeScreenshot, "", "Taking screenshot...", nil
	case intent.SendFile:
		return queue.TypeSendFile, v.Path, "Sending file: " + v.Path, nil
	case intent.ReadFile:
		return queue.TypeReadFile, v.Path, "Reading file: " + v.Path, nil
	case intent.SystemInfo:
		return queue.TypeSystemInfo, "", "Checking PC info...", nil
	case intent.PlayAudio:
		return queue.TypePlayAudio, v.Path, "Playing audio...", nil
	case intent.ReviewFile:
		q := v.Question
		if q == "" {
			q = defaultReviewQuestion
		}
		p, err := json.Marshal(queue.ReviewPayload{Path: v.Path, Question: q})
		return queue.TypeReviewFile, string(p), "Reading and analysing the file...", err
	case intent.Multi:
		steps := make([]queue.MultiStep, 0, len(v.Steps))
		for _, s := range v.Steps {
			typ, payload, _, err := taskFor(s)
			if err != nil {
				return "", "", "", err
			}
			steps = append(steps, queue.MultiStep{Type: typ, Payload: payload})
		}
		p, err := json.Marshal(steps)
		return queue.TypeMulti, string(p), fmt.Sprintf("Running %d commands...", len(steps)), err
	case intent.SocialPost:
		p, err := json.Marshal(queue.SocialPayload{Platform: v.Platform, Text: v.Text})
		return queue.TypeSocialPost, string(p), fmt.Sprintf("Posting to %s...", v.Platform), err
	case intent.TwitterAction:
		p, err := json.Marshal(queue.TwitterPayload{
			Op: string(v.Op), TweetURL: v.TweetURL, Text: v.Text,
			Persona: v.Persona, Lang: v.Lang, AutoLike: v.AutoLike, Limit: v.Limit,
		})
		return queue.TypeTwitter, string(p), "Sending to the local PC...", err
	}
	return "", "", "", fmt.Errorf("no task for action %T", a)
}

// chatReply answers conversationally with the persona, memory and history.
func (r *Router) chatReply(ctx context.Context, chat, text, model, contextBlock string, history []memory.Turn) string {
	system := r.Persona.SystemPrompt
	if contextBlock != "" {
		system += "\n\n" + contextBlock
	}
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: text})

	cctx, cancel := context.WithTimeout(ctx, r.opts.ChatTimeout)
	defer cancel()
	answer, err := r.LLM.Complete(cctx, llm.Request{
		Model:       model,
		Messages:    msgs,
		Temperature: r.opts.ChatTemperature,
	})
	if err != nil {
		r.logger.Warn("chat completion failed", "chat_id", chat, "model", model, "error", err)
		if errors.Is(err, llm.ErrNoKeys) {
			r.reply(ctx, chat, "The AI is not configured yet. Ask the admin.")
		} else {
			r.reply(ctx, chat, "Sorry, something went wrong. Please try again later.")
		}
		return outChatFail
	}

	fact, cleaned := extractRemember(answer)
	if fact != "" {
		if _, err := r.Memory.Remember(ctx, chat, fact); err != nil {
			r.logger.Warn("storing remembered fact failed", "chat_id", chat, "error", err)
		}
		if cleaned == "" {
			cleaned = fmt.Sprintf("Got it, I'll remember: %q", fact)
		}
	}
	if cleaned == "" {
		r.reply(ctx, chat, "Sorry, the AI gave no answer. Please try again later.")
		return outChatFail
	}

	r.recordExchange(ctx, chat, text, cleaned)
	r.reply(ctx, chat, cleaned)
	return outChat
}

// extractRemember returns the first [REMEMBER: ...] fact in s and s with
// every marker removed.
func extractRemember(s string) (fact, cleaned string) {
	if m := rememberFirst.FindStringSubmatch(s); m != nil {
		fact = strings.TrimSpace(m[1])
	}
	cleaned = strings.TrimSpace(rememberAll.ReplaceAllString(s, ""))
	return fact, cleaned
}

func (r *Router) recordExchange(ctx context.Context, chat, user, assistant string) {
	if err := r.Memory.AddTurn(ctx, chat, memory.RoleUser, user); err != nil {
		r.logger.Warn("recording user turn failed", "chat_id", chat, "error", err)
		return
	}
	if err := r.Memory.AddTurn(ctx, chat, memory.RoleAssistant, assistant); err != nil {
		r.logger.Warn("recording assistant turn failed", "chat_id", chat, "error", err)
	}
}
