// Package maintenance runs the relay's background housekeeping: WAL
// checkpoints and periodic liveness snapshots of the agent directory.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentrelay/internal/bus"
	"github.com/basket/agentrelay/internal/persistence"
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	// CheckpointSchedule is a cron descriptor, e.g. "@every 15m".
	CheckpointSchedule string
	// LivenessWindow bounds how recently an agent must have been seen
	// to count as active in the snapshot.
	LivenessWindow time.Duration
}

// Scheduler drives the housekeeping jobs.
type Scheduler struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	window time.Duration
	cron   *cronlib.Cron
}

// NewScheduler registers the jobs on their schedules. Start launches
// them; Stop waits for in-flight jobs to finish.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.LivenessWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	schedule := cfg.CheckpointSchedule
	if schedule == "" {
		schedule = "@every 15m"
	}
	s := &Scheduler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
		window: window,
		cron:   cronlib.New(),
	}
	if _, err := s.cron.AddFunc(schedule, s.checkpoint); err != nil {
		return nil, fmt.Errorf("schedule checkpoint %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc("@every 1m", s.livenessSnapshot); err != nil {
		return nil, fmt.Errorf("schedule liveness snapshot: %w", err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "liveness_window", s.window)
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) checkpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.store.Checkpoint(ctx); err != nil {
		s.logger.Warn("wal checkpoint failed", "error", err)
		return
	}
	s.logger.Debug("wal checkpoint complete", "elapsed", time.Since(start))
}

func (s *Scheduler) livenessSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Warn("liveness snapshot failed", "error", err)
		return
	}
	recent, err := s.store.CountAgentsSeenSince(ctx, time.Now().UTC().Add(-s.window))
	if err != nil {
		s.logger.Warn("liveness count failed", "error", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicLiveness, bus.LivenessEvent{
			TotalAgents:  len(agents),
			RecentAgents: recent,
		})
	}
	s.logger.Debug("liveness snapshot", "total", len(agents), "recent", recent)
}
