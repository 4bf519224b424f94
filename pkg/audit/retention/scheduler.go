package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Run is the outcome of one scheduled prune.
type Run struct {
	At      time.Time
	Deleted int64
	Err     error
}

// Scheduler prunes on the pruner's cron schedule. Overlapping ticks are
// skipped while a prune is still in progress.
type Scheduler struct {
	pruner *Pruner
	logger *slog.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
	last  *Run
}

// NewScheduler creates an idle scheduler for pruner.
func NewScheduler(pruner *Pruner) *Scheduler {
	return &Scheduler{
		pruner: pruner,
		logger: slog.Default().With("component", "audit.retention.scheduler"),
	}
}

// Start schedules pruning until ctx is cancelled or Stop is called. An
// empty PruneSchedule leaves the scheduler idle; starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := s.pruner.config.PruneSchedule
	if spec == "" {
		s.logger.Info("prune schedule not configured")
		return nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s.entry = c.Schedule(sched, cron.FuncJob(func() { s.prune(ctx) }))
	c.Start()
	s.cron = c

	s.logger.Info("retention scheduler started",
		"schedule", spec,
		"retention_days", s.pruner.config.RetentionDays,
		"next_run", c.Entry(s.entry).Next,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) prune(ctx context.Context) {
	start := s.pruner.clock.Now()
	deleted, err := s.pruner.Prune(ctx)

	s.mu.Lock()
	s.last = &Run{At: start, Deleted: deleted, Err: err}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled pruning failed", "error", err)
	}
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// NextRun returns the next scheduled prune, or nil when idle.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	next := s.cron.Entry(s.entry).Next
	return &next
}

// LastRun returns the outcome of the most recent scheduled prune, or nil
// before the first one.
func (s *Scheduler) LastRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}
