// Package queue is the task queue between the chat router and the local
// agent. The whole queue for a channel lives under one key-value entry and
// every mutation goes through kv.Store.Update.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/pcbridge/internal/kv"
	"github.com/kalambet/pcbridge/internal/telemetry"
)

var (
	// ErrAlreadyReported is returned by ReportResult for a task that is
	// already done. The caller must not deliver the result again.
	ErrAlreadyReported = errors.New("queue: result already reported")
	// ErrNotInFlight is returned by Requeue for a task that was never claimed
	// or is already done.
	ErrNotInFlight = errors.New("queue: task is not in flight")
)

const (
	defaultTTL          = 30 * time.Minute
	defaultMaxSize      = 200
	defaultHeartbeatTTL = 30 * time.Second
)

// Options configures a Queue. Zero values pick the defaults.
type Options struct {
	Channel      string
	TTL          time.Duration
	MaxSize      int
	HeartbeatTTL time.Duration
	Clock        kv.Clock
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Queue is a bounded, TTL-filtered FIFO of tasks for one channel.
type Queue struct {
	store        kv.Store
	channel      string
	ttl          time.Duration
	maxSize      int
	heartbeatTTL time.Duration
	clock        kv.Clock
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// New returns a Queue persisted in store.
func New(store kv.Store, opts Options) *Queue {
	q := &Queue{
		store:        store,
		channel:      opts.Channel,
		ttl:          opts.TTL,
		maxSize:      opts.MaxSize,
		heartbeatTTL: opts.HeartbeatTTL,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if q.channel == "" {
		q.channel = "pc"
	}
	if q.ttl <= 0 {
		q.ttl = defaultTTL
	}
	if q.maxSize <= 0 {
		q.maxSize = defaultMaxSize
	}
	if q.heartbeatTTL <= 0 {
		q.heartbeatTTL = defaultHeartbeatTTL
	}
	if q.clock == nil {
		q.clock = kv.RealClock()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = telemetry.NoopMetrics()
	}
	return q
}

func (q *Queue) key() string          { return "queue:" + q.channel }
func (q *Queue) heartbeatKey() string { return "heartbeat:" + q.channel }

// NewTaskID returns an id of the form cmd_<unix-ms>_<6 random chars>.
func NewTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("cmd_%d_%s", now.UnixMilli(), suffix)
}

func decode(raw []byte) ([]Task, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tasks []Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("decoding queue: %w", err)
	}
	return tasks, nil
}

func encode(tasks []Task) ([]byte, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	return json.Marshal(tasks)
}

func (q *Queue) expired(t Task, now time.Time) bool {
	return now.Sub(t.CreatedAt) > q.ttl
}

// live drops expired tasks and reports how many were dropped.
func (q *Queue) live(tasks []Task, now time.Time) ([]Task, int) {
	out := tasks[:0]
	for _, t := range tasks {
		if !q.expired(t, now) {
			out = append(out, t)
		}
	}
	return out, len(tasks) - len(out)
}

// mutate runs fn over the live task list inside a single kv Update.
func (q *Queue) mutate(ctx context.Context, fn func(tasks []Task, now time.Time) ([]Task, error)) error {
	return q.store.Update(ctx, q.key(), 0, func(cur []byte, _ bool) ([]byte, error) {
		tasks, err := decode(cur)
		if err != nil {
			return nil, err
		}
		now := q.clock.Now()
		tasks, _ = q.live(tasks, now)
		tasks, err = fn(tasks, now)
		if err != nil {
			return nil, err
		}
		return encode(tasks)
	})
}

// Enqueue appends a pending task, evicting the oldest entries when the queue
// is full. The returned Task always carries its id; a non-nil error means the
// task may not have been stored.
func (q *Queue) Enqueue(ctx context.Context, typ TaskType, payload, origin string) (Task, error) {
	now := q.clock.Now()
	task := Task{
		ID:            NewTaskID(now),
		Type:          typ,
		Payload:       payload,
		OriginChannel: origin,
		Status:        StatusPending,
		CreatedAt:     now,
	}

	var evicted []string
	err := q.mutate(ctx, func(tasks []Task, _ time.Time) ([]Task, error) {
		evicted = evicted[:0]
		for len(tasks) >= q.maxSize {
			evicted = append(evicted, tasks[0].ID)
			tasks = tasks[1:]
		}
		return append(tasks, task), nil
	})
	if err != nil {
		return task, fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}

	for _, id := range evicted {
		q.logger.Warn("queue full, evicted oldest task", "task_id", id, "channel", q.channel)
	}
	if len(evicted) > 0 {
		q.metrics.TasksEvicted.Add(ctx, int64(len(evicted)))
	}
	q.metrics.TasksEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
	q.logger.Debug("task enqueued", "task_id", task.ID, "type", typ, "origin", origin)
	return task, nil
}

// ClaimNext moves the oldest pending task to in-flight and returns it, or
// returns nil when nothing is pending.
func (q *Queue) ClaimNext(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := q.mutate(ctx, func(tasks []Task, now time.Time) ([]Task, error) {
		claimed = nil
		for i := range tasks {
			if tasks[i].Status != StatusPending {
				continue
			}
			picked := now
			tasks[i].Status = StatusInFlight
			tasks[i].PickedAt = &picked
			t := tasks[i]
			claimed = &t
			break
		}
		return tasks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if claimed != nil {
		q.metrics.TasksClaimed.Add(ctx, 1)
	}
	return claimed, nil
}

// ReportResult marks a task done. It returns nil, nil when the id is unknown
// (expired, evicted or removed) and ErrAlreadyReported when a result was
// already stored.
func (q *Queue) ReportResult(ctx context.Context, id string, res Result) (*Task, error) {
	var done *Task
	err := q.mutate(ctx, func(tasks []Task, _ time.Time) ([]Task, error) {
		done = nil
		for i := range tasks {
			if tasks[i].ID != id {
				continue
			}
			if tasks[i].Status == StatusDone {
				return nil, ErrAlreadyReported
			}
			r := res
			tasks[i].Status = StatusDone
			tasks[i].Result = &r
			t := tasks[i]
			done = &t
			break
		}
		return tasks, nil
	})
	if errors.Is(err, ErrAlreadyReported) {
		return nil, ErrAlreadyReported
	}
	if err != nil {
		return nil, fmt.Errorf("reporting result for %s: %w", id, err)
	}
	return done, nil
}

// Remove deletes a task, typically after its result was delivered.
func (q *Queue) Remove(ctx context.Context, id string) error {
	err := q.mutate(ctx, func(tasks []Task, _ time.Time) ([]Task, error) {
		out := tasks[:0]
		for _, t := range tasks {
			if t.ID != id {
				out = append(out, t)
			}
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("removing task %s: %w", id, err)
	}
	return nil
}

// Requeue resets an in-flight task to pending so another claim can pick it
// up.
func (q *Queue) Requeue(ctx context.Context, id string) (*Task, error) {
	var requeued *Task
	err := q.mutate(ctx, func(tasks []Task, _ time.Time) ([]Task, error) {
		requeued = nil
		for i := range tasks {
			if tasks[i].ID != id {
				continue
			}
			if tasks[i].Status != StatusInFlight {
				return nil, ErrNotInFlight
			}
			tasks[i].Status = StatusPending
			tasks[i].PickedAt = nil
			t := tasks[i]
			requeued = &t
			break
		}
		return tasks, nil
	})
	if errors.Is(err, ErrNotInFlight) {
		return nil, ErrNotInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("requeueing task %s: %w", id, err)
	}
	return requeued, nil
}

// Sweep drops expired tasks eagerly and returns how many were removed.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := q.store.Update(ctx, q.key(), 0, func(cur []byte, _ bool) ([]byte, error) {
		tasks, err := decode(cur)
		if err != nil {
			return nil, err
		}
		tasks, removed = q.live(tasks, q.clock.Now())
		return encode(tasks)
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping queue: %w", err)
	}
	return removed, nil
}

// List returns live tasks, oldest first, without modifying the queue.
func (q *Queue) List(ctx context.Context) ([]Task, error) {
	raw, err := q.store.Get(ctx, q.key())
	if errors.Is(err, kv.ErrNotFound) {
		return []Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	tasks, err := decode(raw)
	if err != nil {
		return nil, err
	}
	tasks, _ = q.live(tasks, q.clock.Now())
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// PeekStatusCounts counts live tasks by status.
func (q *Queue) PeekStatusCounts(ctx context.Context) (Counts, error) {
	tasks, err := q.List(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInFlight:
			c.InFlight++
		}
	}
	c.Total = len(tasks)
	return c, nil
}

type heartbeat struct {
	AgentID  string    `json:"agent_id"`
	LastSeen time.Time `json:"last_seen"`
}

// RecordHeartbeat marks the agent as online for the heartbeat TTL.
func (q *Queue) RecordHeartbeat(ctx context.Context, agentID string) error {
	raw, err := json.Marshal(heartbeat{AgentID: agentID, LastSeen: q.clock.Now()})
	if err != nil {
		return err
	}
	if err := q.store.Set(ctx, q.heartbeatKey(), raw, q.heartbeatTTL); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// AgentStatus reports whether a heartbeat arrived within the heartbeat TTL.
func (q *Queue) AgentStatus(ctx context.Context) (AgentStatus, error) {
	raw, err := q.store.Get(ctx, q.heartbeatKey())
	if errors.Is(err, kv.ErrNotFound) {
		return AgentStatus{}, nil
	}
	if err != nil {
		return AgentStatus{}, fmt.Errorf("reading heartbeat: %w", err)
	}
	var hb heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return AgentStatus{}, fmt.Errorf("decoding heartbeat: %w", err)
	}
	seen := hb.LastSeen
	return AgentStatus{Online: true, AgentID: hb.AgentID, LastSeen: &seen}, nil
}
