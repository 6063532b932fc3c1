package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/pcbridge/internal/llm"
	"github.com/kalambet/pcbridge/internal/queue"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

const (
	// DefaultMaxResultChars covers the agent's default output cap plus the
	// truncation and timing suffixes it appends.
	DefaultMaxResultChars = 4096
	maxCaptionChars       = 1000
	maxReviewChars        = 12000

	resultTruncatedSuffix = "\n\n... (truncated)"
)

// FormatResult renders a task result as a chat message. Output longer than
// limit runes is cut and marked; limit <= 0 means DefaultMaxResultChars.
func FormatResult(res queue.Result, limit int) string {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return "*Error:* " + msg
	}
	if res.Output == "" {
		return "Done! Command executed."
	}
	if limit <= 0 {
		limit = DefaultMaxResultChars
	}
	out := res.Output
	if cut := truncateRunes(out, limit); cut != out {
		out = cut + resultTruncatedSuffix
	}
	return "*PC Result:*\n```\n" + out + "\n```"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// DeliverResult sends a finished task's result to its origin chat. Review
// tasks are analysed by the LLM first; if that fails the raw result is sent.
func (r *Router) DeliverResult(ctx context.Context, t queue.Task) error {
	if t.Result == nil {
		return errors.New("task has no result")
	}
	ctx, span := telemetry.StartSpan(ctx, "router.deliver",
		telemetry.AttrTaskID.String(t.ID), telemetry.AttrTaskType.String(string(t.Type)))
	defer span.End()

	res := *t.Result
	chat := t.OriginChannel

	err := r.deliver(ctx, t, res)
	if err != nil {
		return fmt.Errorf("delivering %s to %s: %w", t.ID, chat, err)
	}
	r.metrics.TasksDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(t.Type)),
		attribute.Bool("success", res.Success),
	))
	return nil
}

func (r *Router) deliver(ctx context.Context, t queue.Task, res queue.Result) error {
	chat := t.OriginChannel

	if t.Type == queue.TypeReviewFile && res.Success && res.Output != "" {
		analysis, err := r.review(ctx, t, res.Output)
		if err == nil {
			return r.Sender.Send(ctx, chat, analysis)
		}
		r.logger.Warn("file review failed, sending raw result", "task_id", t.ID, "error", err)
	}

	if res.Attachment != nil && len(res.Attachment.Data) > 0 {
		caption := truncateRunes(res.Output, maxCaptionChars)
		err := r.Sender.SendAttachment(ctx, chat, *res.Attachment, caption)
		if err == nil {
			return nil
		}
		r.logger.Warn("sending attachment failed", "task_id", t.ID, "error", err)
	}

	return r.Sender.Send(ctx, chat, FormatResult(res, r.opts.MaxResultChars))
}

// review asks the LLM to answer the task's question about the file text.
func (r *Router) review(ctx context.Context, t queue.Task, content string) (string, error) {
	var p queue.ReviewPayload
	if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
		return "", fmt.Errorf("decoding review payload: %w", err)
	}
	question := p.Question
	if question == "" {
		question = defaultReviewQuestion
	}

	prompt := fmt.Sprintf("The user asked: %s\n\nContent of %s:\n```\n%s\n```\n\nAnswer the user's question about this file.",
		question, p.Path, truncateRunes(content, maxReviewChars))

	ctx, cancel := context.WithTimeout(ctx, r.opts.ChatTimeout)
	defer cancel()
	answer, err := r.LLM.Complete(ctx, llm.Request{
		Model: r.chatModel(ctx, t.OriginChannel),
		Messages: []llm.Message{
			{Role: "system", Content: r.Persona.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: r.opts.ChatTemperature,
	})
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", errors.New("empty review")
	}
	_, cleaned := extractRemember(answer)
	if cleaned == "" {
		return "", errors.New("review has no text besides memory markers")
	}
	return cleaned, nil
}
