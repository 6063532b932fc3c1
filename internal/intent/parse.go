package intent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	fenceOpen  = regexp.MustCompile("(?i)^```[a-z]*\\s*")
	fenceClose = regexp.MustCompile("\\s*```\\s*$")
	thinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
)

// rawAction mirrors the JSON shape the classifier prompt asks for.
type rawAction struct {
	Action   string      `json:"action"`
	Reply    string      `json:"reply"`
	Target   string      `json:"target"`
	Command  string      `json:"command"`
	FilePath string      `json:"filepath"`
	Question string      `json:"question"`
	Commands []rawAction `json:"commands"`
	Fact     string      `json:"fact"`
	Platform string      `json:"platform"`
	Text     string      `json:"text"`
	TweetURL string      `json:"tweetUrl"`
	Persona  string      `json:"persona"`
	Lang     string      `json:"lang"`
	AutoLike bool        `json:"autoLike"`
	Limit    int         `json:"limit"`
}

var errMissingField = errors.New("directive is missing a required field")

// Parse turns raw model output into an Action. Anything it cannot make sense
// of becomes Chat.
func Parse(raw string) (Action, error) {
	s := strings.TrimSpace(raw)
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	s = strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))

	obj, ok := firstObject(s)
	if !ok {
		return Chat{}, errors.New("no JSON object in response")
	}

	var ra rawAction
	if err := json.Unmarshal([]byte(obj), &ra); err != nil {
		return Chat{}, err
	}
	a, err := convert(ra)
	if err != nil {
		return Chat{}, err
	}
	return a, nil
}

// firstObject returns the first balanced {...} in s. Braces inside JSON
// strings are ignored.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func convert(ra rawAction) (Action, error) {
	ack := Ack{Reply: strings.TrimSpace(ra.Reply)}
	name := strings.ToLower(strings.TrimSpace(ra.Action))

	need := func(fields ...string) error {
		for _, f := range fields {
			if strings.TrimSpace(f) == "" {
				return errMissingField
			}
		}
		return nil
	}

	switch name {
	case "", "chat":
		return Chat{Ack: ack}, nil
	case "open":
		if err := need(ra.Target); err != nil {
			return nil, err
		}
		return Open{Ack: ack, Target: ra.Target}, nil
	case "shell":
		if err := need(ra.Command); err != nil {
			return nil, err
		}
		return Shell{Ack: ack, Command: ra.Command}, nil
	case "screenshot":
		return Screenshot{Ack: ack}, nil
	case "sendfile":
		if err := need(ra.FilePath); err != nil {
			return nil, err
		}
		return SendFile{Ack: ack, Path: ra.FilePath}, nil
	case "readfile":
		if err := need(ra.FilePath); err != nil {
			return nil, err
		}
		return ReadFile{Ack: ack, Path: ra.FilePath}, nil
	case "reviewfile":
		if err := need(ra.FilePath); err != nil {
			return nil, err
		}
		return ReviewFile{Ack: ack, Path: ra.FilePath, Question: ra.Question}, nil
	case "sysinfo":
		return SystemInfo{Ack: ack}, nil
	case "playaudio":
		if err := need(ra.FilePath); err != nil {
			return nil, err
		}
		return PlayAudio{Ack: ack, Path: ra.FilePath}, nil
	case "multi":
		var steps []Action
		for _, c := range ra.Commands {
			step, err := convert(c)
			if err != nil {
				continue
			}
			switch step.(type) {
			case Open, Shell, Screenshot, SendFile, ReadFile, SystemInfo, PlayAudio:
				steps = append(steps, step)
			}
		}
		if len(steps) == 0 {
			return nil, errMissingField
		}
		return Multi{Ack: ack, Steps: steps}, nil
	case "remember":
		if err := need(ra.Fact); err != nil {
			return nil, err
		}
		return Remember{Ack: ack, Fact: strings.TrimSpace(ra.Fact)}, nil
	case "social":
		if err := need(ra.Text); err != nil {
			return nil, err
		}
		platform := ra.Platform
		if platform == "" {
			platform = "all"
		}
		return SocialPost{Ack: ack, Platform: platform, Text: ra.Text}, nil
	}

	op := TwitterOp(name)
	tw := TwitterAction{
		Ack: ack, Op: op, TweetURL: ra.TweetURL, Text: ra.Text,
		Persona: ra.Persona, Lang: ra.Lang, AutoLike: ra.AutoLike, Limit: ra.Limit,
	}
	switch op {
	case OpPostX:
		if err := need(ra.Text); err != nil {
			return nil, err
		}
		return tw, nil
	case OpReplyX:
		if err := need(ra.TweetURL, ra.Text); err != nil {
			return nil, err
		}
		return tw, nil
	case OpLikeX, OpUnlikeX, OpReadTweet, OpReadReplies, OpEngageTweet:
		if err := need(ra.TweetURL); err != nil {
			return nil, err
		}
		if op == OpEngageTweet && tw.Persona == "" {
			tw.Persona = "friendly"
		}
		return tw, nil
	case OpReadMentions:
		return tw, nil
	}

	return Unknown{Ack: ack, Name: name}, nil
}
