package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pcbridge/internal/memory"
	"github.com/kalambet/pcbridge/internal/queue"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue  *queue.Queue
	Memory *memory.Store
}

// NewMCPServer creates an MCP server exposing the task queue and
// conversation memory.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"pcbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pcbridge: queue tasks for the PC agent and manage per-chat memory."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("enqueue_task",
			mcp.WithDescription("Queue a task for the local PC agent. The result is delivered to origin_channel."),
			mcp.WithString("type", mcp.Description("Task type, e.g. shell-command, open-target, screenshot"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("Command, target, path or JSON payload for the task type")),
			mcp.WithString("origin_channel", mcp.Description("Chat id that receives the result"), mcp.Required()),
		),
		mcpEnqueueTask(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Count pending and in-flight tasks and report whether the agent is online."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List live tasks, oldest first. Attachments are omitted."),
		),
		mcpListTasks(deps),
	)

	s.AddTool(
		mcp.NewTool("show_memory",
			mcp.WithDescription("Show long-term facts and recent turns for a chat."),
			mcp.WithString("chat_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpShowMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("remember_fact",
			mcp.WithDescription("Store a long-term fact for a chat."),
			mcp.WithString("chat_id", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("fact", mcp.Description("Fact to remember"), mcp.Required()),
		),
		mcpRememberFact(deps),
	)

	s.AddTool(
		mcp.NewTool("forget_facts",
			mcp.WithDescription("Remove every fact containing keyword (case-insensitive)."),
			mcp.WithString("chat_id", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("keyword", mcp.Description("Keyword to match"), mcp.Required()),
		),
		mcpForgetFacts(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_memory",
			mcp.WithDescription("Wipe turns and facts for a chat."),
			mcp.WithString("chat_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpClearMemory(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"queue://status",
			"Queue Status",
			mcp.WithResourceDescription("Task counts and agent heartbeat as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueueStatus(deps),
	)

	return s
}

func mcpEnqueueTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typ, err := req.RequireString("type")
		if err != nil {
			return mcpError("type is required"), nil
		}
		origin, err := req.RequireString("origin_channel")
		if err != nil || strings.TrimSpace(origin) == "" {
			return mcpError("origin_channel is required"), nil
		}
		tt := queue.TaskType(typ)
		if !tt.Valid() {
			return mcpError(fmt.Sprintf("unknown task type %q", typ)), nil
		}

		t, err := deps.Queue.Enqueue(ctx, tt, req.GetString("payload", ""), origin)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued task %s", t.ID)), nil
	}
}

func statusJSON(ctx context.Context, q *queue.Queue) ([]byte, error) {
	counts, err := q.PeekStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	agent, err := q.AgentStatus(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(statusResponse{Counts: counts, Agent: agent})
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := statusJSON(ctx, deps.Queue)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tasks, err := deps.Queue.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		for i := range tasks {
			if tasks[i].Result != nil && tasks[i].Result.Attachment != nil {
				r := *tasks[i].Result
				r.Attachment = nil
				tasks[i].Result = &r
			}
		}
		if tasks == nil {
			tasks = []queue.Task{}
		}
		b, err := json.Marshal(tasks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpShowMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chat, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		facts, err := deps.Memory.Facts(ctx, chat)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read facts: %v", err)), nil
		}
		turns, err := deps.Memory.GetRecentTurns(ctx, chat, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read turns: %v", err)), nil
		}
		if facts == nil {
			facts = []string{}
		}
		if turns == nil {
			turns = []memory.Turn{}
		}
		b, err := json.Marshal(map[string]any{"facts": facts, "turns": turns})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal memory: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRememberFact(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chat, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		fact, err := req.RequireString("fact")
		if err != nil || strings.TrimSpace(fact) == "" {
			return mcpError("fact is required"), nil
		}
		added, err := deps.Memory.Remember(ctx, chat, fact)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remember: %v", err)), nil
		}
		if !added {
			return mcpText("Fact already known"), nil
		}
		return mcpText("Fact stored"), nil
	}
}

func mcpForgetFacts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chat, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		keyword, err := req.RequireString("keyword")
		if err != nil {
			return mcpError("keyword is required"), nil
		}
		n, err := deps.Memory.Forget(ctx, chat, keyword)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to forget: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %d facts", n)), nil
	}
}

func mcpClearMemory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chat, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		if err := deps.Memory.Clear(ctx, chat); err != nil {
			return mcpError(fmt.Sprintf("failed to clear memory: %v", err)), nil
		}
		return mcpText("Memory cleared"), nil
	}
}

func mcpResourceQueueStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := statusJSON(ctx, deps.Queue)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
