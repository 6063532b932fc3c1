package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/pcbridge/internal/queue"
)

// authExempt commands work without a session.
var authExempt = map[string]bool{
	"myid":   true,
	"start":  true,
	"login":  true,
	"logout": true,
}

const waitingForAgent = "_Waiting for the PC agent... (%s)_"

func (r *Router) runCommand(ctx context.Context, in Inbound, name, arg string) {
	chat := in.ChatID
	switch name {
	case "myid":
		r.reply(ctx, chat, fmt.Sprintf("Your chat ID: `%s`", chat))
	case "start":
		r.cmdStart(ctx, chat)
	case "help":
		r.reply(ctx, chat, r.helpText())
	case "status":
		r.cmdStatus(ctx, chat)
	case "login":
		r.cmdLogin(ctx, chat, arg)
	case "logout":
		if err := r.Sessions.Delete(ctx, authKey(chat)); err != nil {
			r.logger.Warn("deleting session failed", "chat_id", chat, "error", err)
		}
		r.reply(ctx, chat, "Logged out. Send `/login <password>` to come back.")
	case "model":
		r.cmdModel(ctx, chat, arg)
	case "memory":
		r.cmdMemory(ctx, chat)
	case "remember":
		r.cmdRemember(ctx, chat, arg)
	case "forget":
		r.cmdForget(ctx, chat, arg)
	case "clearmemory":
		if err := r.Memory.Clear(ctx, chat); err != nil {
			r.logger.Warn("clearing memory failed", "chat_id", chat, "error", err)
			r.reply(ctx, chat, "Could not clear memory right now. Try again later.")
			return
		}
		r.reply(ctx, chat, "All memory (chat history and long-term facts) cleared.")
	case "pc", "run":
		if arg == "" {
			r.reply(ctx, chat, "Usage: `/pc <command>`\nExample: `/pc dir C:\\`")
			return
		}
		t := r.enqueue(ctx, chat, queue.TypeShell, arg)
		r.reply(ctx, chat, fmt.Sprintf("Queued: `%s`\n"+waitingForAgent, arg, shortID(t.ID)))
	case "open", "buka":
		if arg == "" {
			r.reply(ctx, chat, "Usage: `/open <url/app>`\nExample: `/open youtube.com`")
			return
		}
		t := r.enqueue(ctx, chat, queue.TypeOpen, arg)
		r.reply(ctx, chat, fmt.Sprintf("Opening: *%s*\n"+waitingForAgent, arg, shortID(t.ID)))
	case "ss", "screenshot":
		t := r.enqueue(ctx, chat, queue.TypeScreenshot, "")
		r.reply(ctx, chat, fmt.Sprintf("Taking screenshot...\n"+waitingForAgent, shortID(t.ID)))
	case "pcstatus":
		r.cmdPCStatus(ctx, chat)
	default:
		r.reply(ctx, chat, "Unknown command. Send /help to see what I can do.")
	}
}

// shortID is the tail of a task id shown in acknowledgements.
func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}

func (r *Router) cmdStart(ctx context.Context, chat string) {
	var b strings.Builder
	fmt.Fprintf(&b, "*Hi! %s here.*\n\n", r.Persona.Name)
	if r.authenticated(ctx, chat) {
		b.WriteString("You are logged in. Just start chatting!\n\n")
	} else {
		b.WriteString("Send `/login <password>` to begin.\n\n")
	}
	b.WriteString("/login - Log in\n/logout - Log out\n/status - Bot status\n/help - All commands")
	r.reply(ctx, chat, b.String())
}

func (r *Router) helpText() string {
	return "*" + r.Persona.Name + " commands*\n\n" +
		"*Chat & info:*\n" +
		"/start - Intro\n" +
		"/login - Log in\n" +
		"/logout - Log out\n" +
		"/status - Bot status\n" +
		"/myid - Show this chat's ID\n" +
		"/help - This list\n\n" +
		"*PC remote:*\n" +
		"/pc <cmd> - Run a command\n" +
		"/run <cmd> - Alias of /pc\n" +
		"/open <url/app> - Open on the PC\n" +
		"/buka <url/app> - Alias of /open\n" +
		"/ss - Screenshot the PC\n" +
		"/pcstatus - Queue and agent state\n" +
		"/model - Switch AI model\n\n" +
		"*Memory:*\n" +
		"/memory - Show long-term memory\n" +
		"/remember <fact> - Save a fact\n" +
		"/forget <keyword> - Remove matching facts\n" +
		"/clearmemory - Wipe everything\n\n" +
		"Anything else is answered by the AI, with memory."
}

func (r *Router) cmdStatus(ctx context.Context, chat string) {
	model := r.chatModel(ctx, chat)
	agent := "offline"
	if st, err := r.Queue.AgentStatus(ctx); err == nil && st.Online {
		agent = "online"
	}
	r.reply(ctx, chat, fmt.Sprintf("*%s status*\n\nTelegram: connected\nAI model: %s\nPC agent: %s\nAuth: logged in",
		r.Persona.Name, r.Persona.ModelName(model), agent))
}

func (r *Router) cmdLogin(ctx context.Context, chat, arg string) {
	if r.opts.Password != "" {
		if arg == "" {
			r.reply(ctx, chat, "Send: `/login <password>`")
			return
		}
		if !r.checkPassword(arg) {
			r.logger.Info("failed login", "chat_id", chat)
			r.reply(ctx, chat, "Wrong password.")
			return
		}
	}
	if err := r.Sessions.Set(ctx, authKey(chat), "1", r.opts.SessionTTL); err != nil {
		r.logger.Warn("storing session failed", "chat_id", chat, "error", err)
		r.reply(ctx, chat, "Could not start a session right now. Try again later.")
		return
	}
	r.reply(ctx, chat, "Logged in! Just start chatting.")
}

func (r *Router) cmdModel(ctx context.Context, chat, arg string) {
	current := r.chatModel(ctx, chat)
	models := r.Persona.Models

	if arg == "" {
		var b strings.Builder
		fmt.Fprintf(&b, "*AI model, current:* %s\n\n", r.Persona.ModelName(current))
		for i, m := range models {
			active := ""
			if m.ID == current {
				active = " ✓"
			}
			fmt.Fprintf(&b, "/model %d - %s%s\n", i+1, m.Name, active)
		}
		b.WriteString("\nOr type: `/model <model-id>`")
		r.reply(ctx, chat, b.String())
		return
	}

	id := arg
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(models) {
		id = models[n-1].ID
	}
	if err := r.Sessions.Set(ctx, modelKey(chat), id, 0); err != nil {
		r.logger.Warn("storing model override failed", "chat_id", chat, "error", err)
		r.reply(ctx, chat, "Could not switch model right now. Try again later.")
		return
	}
	if name := r.Persona.ModelName(id); name != id {
		r.reply(ctx, chat, fmt.Sprintf("Model switched to: *%s*\n`%s`", name, id))
		return
	}
	r.reply(ctx, chat, fmt.Sprintf("Model switched to: `%s`\n(Custom model, make sure your provider serves it.)", id))
}

func (r *Router) cmdMemory(ctx context.Context, chat string) {
	facts, err := r.Memory.Facts(ctx, chat)
	if err != nil {
		r.logger.Warn("reading facts failed", "chat_id", chat, "error", err)
	}
	if len(facts) == 0 {
		r.reply(ctx, chat, "No memories yet. Just chat and I'll pick up the important things!")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Long-term memory (%d items):*\n\n", len(facts))
	for i, f := range facts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	r.reply(ctx, chat, b.String())
}

func (r *Router) cmdRemember(ctx context.Context, chat, fact string) {
	if fact == "" {
		r.reply(ctx, chat, "Usage: `/remember <fact>`")
		return
	}
	added, err := r.Memory.Remember(ctx, chat, fact)
	switch {
	case err != nil:
		r.logger.Warn("remember failed", "chat_id", chat, "error", err)
		r.reply(ctx, chat, "Could not save that right now. Try again later.")
	case !added:
		r.reply(ctx, chat, fmt.Sprintf("I already know: %q", fact))
	default:
		r.reply(ctx, chat, fmt.Sprintf("Saved to memory: %q", fact))
	}
}

func (r *Router) cmdForget(ctx context.Context, chat, keyword string) {
	if keyword == "" {
		r.reply(ctx, chat, "Usage: `/forget <keyword>`")
		return
	}
	n, err := r.Memory.Forget(ctx, chat, keyword)
	if err != nil {
		r.logger.Warn("forget failed", "chat_id", chat, "error", err)
		r.reply(ctx, chat, "Could not update memory right now. Try again later.")
		return
	}
	r.reply(ctx, chat, fmt.Sprintf("Removed %d memories containing %q.", n, keyword))
}

func (r *Router) cmdPCStatus(ctx context.Context, chat string) {
	counts, err := r.Queue.PeekStatusCounts(ctx)
	if err != nil {
		r.logger.Warn("reading queue counts failed", "error", err)
		r.reply(ctx, chat, "Could not read the queue right now.")
		return
	}
	agent := "offline"
	st, err := r.Queue.AgentStatus(ctx)
	if err != nil {
		r.logger.Warn("reading agent status failed", "error", err)
	}
	if st.Online {
		agent = "online (" + st.AgentID + ")"
		if st.LastSeen != nil {
			agent += fmt.Sprintf(", seen %s ago", r.clock.Now().Sub(*st.LastSeen).Round(time.Second))
		}
	}
	r.reply(ctx, chat, fmt.Sprintf("*PC Queue Status:*\nPending: %d\nProcessing: %d\nTotal: %d\nAgent: %s",
		counts.Pending, counts.InFlight, counts.Total, agent))
}

// enqueue pushes a task and logs a storage failure. The returned task
// always carries its id so the caller can acknowledge regardless.
func (r *Router) enqueue(ctx context.Context, chat string, typ queue.TaskType, payload string) queue.Task {
	t, err := r.Queue.Enqueue(ctx, typ, payload, chat)
	if err != nil {
		r.logger.Warn("task may not be durably queued", "task_id", t.ID, "type", typ, "chat_id", chat, "error", err)
	}
	return t
}
