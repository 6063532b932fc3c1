package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pcbridge/internal/queue"
)

const (
	recentCapacity = 256
	reportAttempts = 3
	reportTimeout  = 30 * time.Second
)

// Relay is the subset of the relay API the agent needs. *Client implements it.
type Relay interface {
	Claim(ctx context.Context) (*queue.Task, error)
	Report(ctx context.Context, id string, res queue.Result) (bool, error)
	Heartbeat(ctx context.Context, agentID string) error
	Status(ctx context.Context) (Status, error)
}

// Runner executes a task. *Executor implements it.
type Runner interface {
	Execute(ctx context.Context, t queue.Task) queue.Result
}

type Options struct {
	ID                string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Agent polls the relay for tasks and runs them one at a time.
type Agent struct {
	relay  Relay
	runner Runner
	id     string
	poll   time.Duration
	beat   time.Duration
	logger *slog.Logger

	recent        *recentSet
	reportBackoff time.Duration
}

func New(relay Relay, runner Runner, opts Options) *Agent {
	if opts.ID == "" {
		opts.ID = NewID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		relay:         relay,
		runner:        runner,
		id:            opts.ID,
		poll:          opts.PollInterval,
		beat:          opts.HeartbeatInterval,
		logger:        opts.Logger.With("agent_id", opts.ID),
		recent:        newRecentSet(recentCapacity),
		reportBackoff: time.Second,
	}
}

// NewID returns an agent id of the form <hostname>-<random>.
func NewID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *Agent) ID() string { return a.id }

// Run checks the relay connection, then runs the poll and heartbeat loops
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.checkConnection(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pollLoop(gctx) })
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	return g.Wait()
}

// checkConnection logs whether the relay is reachable. It never fails.
func (a *Agent) checkConnection(ctx context.Context) {
	st, err := a.relay.Status(ctx)
	if err != nil {
		a.logger.Warn("relay not reachable yet, will keep polling", "error", err)
		return
	}
	a.logger.Info("connected to relay", "pending", st.Pending, "in_flight", st.InFlight)
}

func (a *Agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.beat)
	defer ticker.Stop()
	for {
		if err := a.relay.Heartbeat(ctx, a.id); err != nil && ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most one task, executes it and reports the result.
// A claim error is returned and the caller waits for the next tick.
func (a *Agent) RunOnce(ctx context.Context) error {
	t, err := a.relay.Claim(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	log := a.logger.With("task_id", t.ID, "type", t.Type)
	if t.Result != nil || a.recent.contains(t.ID) {
		log.Info("skipping task that already ran")
		return nil
	}

	log.Info("task claimed")
	res := a.runner.Execute(ctx, *t)
	a.recent.add(t.ID)
	log.Info("task finished", "success", res.Success, "duration_ms", res.DurationMs)

	// A finished task is still reported while the agent shuts down.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	return a.report(rctx, t.ID, res)
}

func (a *Agent) report(ctx context.Context, id string, res queue.Result) error {
	var lastErr error
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		dup, err := a.relay.Report(ctx, id, res)
		if err == nil {
			if dup {
				a.logger.Info("relay already had this result", "task_id", id)
			}
			return nil
		}
		lastErr = err
		a.logger.Warn("reporting result failed", "task_id", id, "attempt", attempt, "error", err)
		if attempt == reportAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.reportBackoff * time.Duration(1<<(attempt-1))):
		}
	}
	return fmt.Errorf("reporting result for %s after %d attempts: %w", id, reportAttempts, lastErr)
}

// recentSet remembers the last n completed task ids.
type recentSet struct {
	ids  []string
	seen map[string]struct{}
	next int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{ids: make([]string, n), seen: make(map[string]struct{}, n)}
}

func (s *recentSet) contains(id string) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *recentSet) add(id string) {
	if s.contains(id) {
		return
	}
	if old := s.ids[s.next]; old != "" {
		delete(s.seen, old)
	}
	s.ids[s.next] = id
	s.seen[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ids)
}
