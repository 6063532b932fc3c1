// Package scheduler runs periodic housekeeping for the relay: expired tasks
// and stale KV rows are swept on a cron schedule instead of waiting for the
// next read to notice them.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "@every 5m"

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5m" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper drops expired entries and reports how many went. *queue.Queue
// and every kv.Store implement it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Target is a named Sweeper.
type Target struct {
	Name    string
	Sweeper Sweeper
}

type Config struct {
	Schedule string
	Targets  []Target
	Logger   *slog.Logger
}

type Scheduler struct {
	schedule string
	targets  []Target
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cronlib.Cron
}

// New validates the schedule expression and returns a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{schedule: cfg.Schedule, targets: cfg.Targets, logger: cfg.Logger}, nil
}

// Start registers the sweep job and starts the cron runner. Jobs run with
// ctx, so cancelling it aborts an in-progress sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweep scheduler started", "schedule", s.schedule, "targets", len(s.targets))
	return nil
}

// Stop halts the runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweep scheduler stopped")
}

// RunOnce sweeps every target and returns the total number of removed
// entries. A failing target is logged and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	total := 0
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return total
		}
		n, err := t.Sweeper.Sweep(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", "target", t.Name, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("swept expired entries", "target", t.Name, "removed", n)
		}
		total += n
	}
	return total
}
