package intent

import (
	"strings"

	"github.com/kalambet/pcbridge/internal/llm"
	"github.com/kalambet/pcbridge/internal/memory"
)

const systemPrompt = `You are the command detector of an agent connected to the user's PC through a local agent.
Decide whether the user's latest message is a PC directive or ordinary chat.
Understand any language, slang or abbreviation. When unsure, pick what fits the conversation best.

Respond with exactly one JSON object on one line, with no markdown and no explanation. Formats:
{"action":"open","target":"<url or app>","reply":"<message>"}
{"action":"shell","command":"<shell command>","reply":"<message>"}
{"action":"playaudio","filepath":"<path>","reply":"<message>"}
{"action":"screenshot","reply":"<message>"}
{"action":"sendfile","filepath":"<path>","reply":"<message>"}
{"action":"readfile","filepath":"<path>","reply":"<message>"}
{"action":"reviewfile","filepath":"<path>","question":"<question>","reply":"<message>"}
{"action":"sysinfo","reply":"<message>"}
{"action":"multi","commands":[{"action":"...","command":"..."}],"reply":"<message>"}
{"action":"remember","fact":"<fact to keep>","reply":"<message>"}
{"action":"social","platform":"twitter|facebook|linkedin|instagram|all","text":"<post>","reply":"<message>"}
{"action":"post_x","text":"<tweet>","reply":"<message>"}
{"action":"reply_x","tweetUrl":"<url>","text":"<reply>","reply":"<message>"}
{"action":"like_x","tweetUrl":"<url>","reply":"<message>"}
{"action":"unlike_x","tweetUrl":"<url>","reply":"<message>"}
{"action":"engage_tweet","tweetUrl":"<url>","persona":"friendly|witty|hype|thoughtful","lang":"en|id|auto","autoLike":true,"reply":"<message>"}
{"action":"read_tweet","tweetUrl":"<url>","reply":"<message>"}
{"action":"read_replies","tweetUrl":"<url>","limit":10,"reply":"<message>"}
{"action":"read_mentions","limit":10,"reply":"<message>"}
{"action":"chat"}

Rules:
- "multi" runs several commands in order.
- Use "remember" when the user asks you to remember something.
- For X/Twitter always use the dedicated actions, never "shell".
- Prefer commands from the skill hints when they cover the request.`

// BuildPrompt assembles the classifier messages. The user message carries the
// skill hints, the memory context block, recent turns and the new message.
func BuildPrompt(message, skills, contextBlock string, history []memory.Turn) []llm.Message {
	var parts []string
	if skills != "" {
		parts = append(parts, "[Skills & command hints]\n"+skills)
	}
	if contextBlock != "" {
		parts = append(parts, contextBlock)
	}
	if len(history) > 0 {
		parts = append(parts, "[Recent conversation]\n"+memory.FormatTurns(history))
	}
	parts = append(parts, "[Latest message from user]\n"+message)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: strings.Join(parts, "\n\n")},
	}
}
