package override

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig holds the cron schedules of a Sweeper.
type SweeperConfig struct {
	// SweepSchedule is how often expired overrides are ended.
	// Default: "@every 1m"
	SweepSchedule string

	// ResetSchedule is when daily activation counters restart, in UTC.
	// Default: "0 0 * * *" (midnight)
	ResetSchedule string
}

// Sweeper ends expired overrides and resets daily counters on a schedule.
// Check already treats an expired override as inactive; the sweep closes
// audit records of overrides nobody checks.
type Sweeper struct {
	service *Service
	config  SweeperConfig
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewSweeper creates a sweeper for service.
func NewSweeper(service *Service, cfg SweeperConfig) *Sweeper {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 1m"
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = "0 0 * * *"
	}
	return &Sweeper{
		service: service,
		config:  cfg,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  service.logger.With("subcomponent", "sweeper"),
	}
}

// Start schedules both jobs. They stop when ctx is cancelled or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	for _, spec := range []string{s.config.SweepSchedule, s.config.ResetSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
		}
	}

	if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule override sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(s.config.ResetSchedule, func() { s.reset(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule counter reset: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("override sweeper started",
		"sweep_schedule", s.config.SweepSchedule,
		"reset_schedule", s.config.ResetSchedule,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.service.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("override sweep failed", "error", err, "ended_count", n)
		return
	}
	if n > 0 {
		s.logger.Info("expired overrides ended", "ended_count", n)
	}
}

func (s *Sweeper) reset(ctx context.Context) {
	n, err := s.service.ResetDailyCounters(ctx)
	if err != nil {
		s.logger.Error("daily counter reset failed", "error", err)
		return
	}
	s.logger.Debug("daily override counters reset", "reset_count", n)
}

// Stop stops the sweeper and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("override sweeper stopped")
	}
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
