package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pcbridge/internal/queue"
)

type enqueueRequest struct {
	Type          queue.TaskType `json:"type"`
	Payload       string         `json:"payload"`
	OriginChannel string         `json:"origin_channel"`
}

type resultRequest struct {
	ID string `json:"id"`
	queue.Result
}

type heartbeatRequest struct {
	AgentID string `json:"agent_id"`
}

type statusResponse struct {
	queue.Counts
	Agent queue.AgentStatus `json:"agent"`
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !req.Type.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown task type %q", req.Type)
			return
		}
		if strings.TrimSpace(req.OriginChannel) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "origin_channel is required")
			return
		}

		t, err := deps.Queue.Enqueue(r.Context(), req.Type, req.Payload, req.OriginChannel)
		if err != nil {
			deps.Logger.Error("enqueue failed", "task_id", t.ID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue task")
			return
		}
		counts, err := deps.Queue.PeekStatusCounts(r.Context())
		if err != nil {
			deps.Logger.Warn("reading queue size failed", "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "queue_size": counts.Total})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Queue.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks")
			return
		}
		if tasks == nil {
			tasks = []queue.Task{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	}
}

func handleClaim(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Queue.ClaimNext(r.Context())
		if err != nil {
			deps.Logger.Error("claim failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to claim task")
			return
		}
		if t != nil {
			deps.Logger.Info("task claimed", "task_id", t.ID, "type", t.Type)
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": t})
	}
}

// handleResult marks a task done and delivers its result once. Delivery
// runs detached so a slow chat send or review does not hold the agent.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	deps := h.deps
	r.Body = http.MaxBytesReader(w, r.Body, maxResultBodySize)
	defer r.Body.Close()

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.ID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
		return
	}

	t, err := deps.Queue.ReportResult(r.Context(), req.ID, req.Result)
	if errors.Is(err, queue.ErrAlreadyReported) {
		deps.Logger.Info("duplicate result ignored", "task_id", req.ID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}
	if err != nil {
		deps.Logger.Error("recording result failed", "task_id", req.ID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "failed to record result")
		return
	}
	if t == nil {
		deps.Logger.Warn("result for unknown or expired task", "task_id", req.ID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	task := *t
	h.detach(r, func(ctx context.Context) {
		if err := deps.Deliverer.DeliverResult(ctx, task); err != nil {
			deps.Logger.Warn("result delivery failed", "task_id", task.ID, "error", err)
		}
		if err := deps.Queue.Remove(ctx, task.ID); err != nil {
			deps.Logger.Warn("removing delivered task failed", "task_id", task.ID, "error", err)
		}
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleRequeue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := deps.Queue.Requeue(r.Context(), id)
		switch {
		case errors.Is(err, queue.ErrNotInFlight):
			httpError(w, http.StatusConflict, "invalid_request_error", "task %s is not in flight", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to requeue task")
			return
		case t == nil:
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": t})
	}
}

func handleHeartbeat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.AgentID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "agent_id is required")
			return
		}
		if err := deps.Queue.RecordHeartbeat(r.Context(), req.AgentID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record heartbeat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Queue.PeekStatusCounts(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue")
			return
		}
		agent, err := deps.Queue.AgentStatus(r.Context())
		if err != nil {
			deps.Logger.Warn("reading agent status failed", "error", err)
		}
		writeJSON(w, http.StatusOK, statusResponse{Counts: counts, Agent: agent})
	}
}
