package queue

import (
	"time"
)

// TaskType names what the agent should do with a task.
type TaskType string

const (
	TypeShell      TaskType = "shell-command"
	TypeOpen       TaskType = "open-target"
	TypeScreenshot TaskType = "screenshot"
	TypeReadFile   TaskType = "read-file"
	TypeSendFile   TaskType = "send-file"
	TypeReviewFile TaskType = "review-file"
	TypeSystemInfo TaskType = "system-info"
	TypePlayAudio  TaskType = "play-audio"
	TypeMulti      TaskType = "multi"
	TypeSocialPost TaskType = "social-post"
	TypeTwitter    TaskType = "twitter-action"
)

var knownTypes = map[TaskType]bool{
	TypeShell: true, TypeOpen: true, TypeScreenshot: true, TypeReadFile: true,
	TypeSendFile: true, TypeReviewFile: true, TypeSystemInfo: true, TypePlayAudio: true,
	TypeMulti: true, TypeSocialPost: true, TypeTwitter: true,
}

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool { return knownTypes[t] }

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusDone     Status = "done"
)

// Task is a unit of work handed to the local agent.
type Task struct {
	ID            string     `json:"id"`
	Type          TaskType   `json:"type"`
	Payload       string     `json:"payload"`
	OriginChannel string     `json:"origin_channel"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	PickedAt      *time.Time `json:"picked_at,omitempty"`
	Result        *Result    `json:"result,omitempty"`
}

// AttachmentKind selects how an attachment is delivered to the chat.
type AttachmentKind string

const (
	KindPhoto    AttachmentKind = "photo"
	KindDocument AttachmentKind = "document"
)

// Attachment is binary output (screenshot, file) carried with a result.
// Data is base64 on the wire.
type Attachment struct {
	Name string         `json:"name"`
	Kind AttachmentKind `json:"kind"`
	Data []byte         `json:"data"`
}

// Result is the outcome reported by the agent.
type Result struct {
	Success    bool        `json:"success"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ReviewPayload is the JSON payload of a review-file task.
type ReviewPayload struct {
	Path     string `json:"path"`
	Question string `json:"question,omitempty"`
}

// MultiStep is one element of a multi task's JSON payload.
type MultiStep struct {
	Type    TaskType `json:"type"`
	Payload string   `json:"payload"`
}

// SocialPayload is the JSON payload of a social-post task.
type SocialPayload struct {
	Platform string `json:"platform,omitempty"`
	Text     string `json:"text"`
}

// TwitterPayload is the JSON payload of a twitter-action task.
type TwitterPayload struct {
	Op       string `json:"op"`
	TweetURL string `json:"tweet_url,omitempty"`
	Text     string `json:"text,omitempty"`
	Persona  string `json:"persona,omitempty"`
	Lang     string `json:"lang,omitempty"`
	AutoLike bool   `json:"auto_like,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Counts summarizes live tasks by status.
type Counts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Total    int `json:"total"`
}

// AgentStatus reports the last heartbeat from the local agent.
type AgentStatus struct {
	Online   bool       `json:"online"`
	AgentID  string     `json:"agent_id,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
