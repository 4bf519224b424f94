package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/audit/export"
	"mercator-hq/aegis/pkg/clock"
)

// Config contains configuration for the retention pruner.
type Config struct {
	// RetentionDays is the number of days to retain audit rows.
	// 0 means keep everything.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for scheduling pruning.
	// Example: "0 3 * * *" (daily at 3 AM)
	PruneSchedule string `yaml:"prune_schedule"`

	// ArchiveBeforeDelete writes acknowledged signals to ArchivePath before
	// they are deleted.
	ArchiveBeforeDelete bool `yaml:"archive_before_delete"`

	// ArchivePath is the directory for archive files.
	ArchivePath string `yaml:"archive_path"`
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 90,
		PruneSchedule: "0 3 * * *",
		ArchivePath:   "data/archives/",
	}
}

// Pruner enforces retention on an audit store.
type Pruner struct {
	store     audit.Store
	config    *Config
	clock     clock.Clock
	logger    *slog.Logger
	scheduler *Scheduler
}

// NewPruner creates a new retention pruner.
func NewPruner(store audit.Store, config *Config, clk clock.Clock) *Pruner {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Pruner{
		store:  store,
		config: config,
		clock:  clock.OrDefault(clk),
		logger: slog.Default().With("component", "audit.retention"),
	}
	p.scheduler = NewScheduler(p)
	return p
}

// Scheduler returns the pruner's cron scheduler.
func (p *Pruner) Scheduler() *Scheduler {
	return p.scheduler
}

// Prune deletes expectations, acks and acknowledged signals older than the
// retention period. Unacknowledged signals are never deleted.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.config.RetentionDays <= 0 {
		p.logger.Debug("retention disabled, nothing pruned")
		return 0, nil
	}
	cutoff := p.clock.Now().AddDate(0, 0, -p.config.RetentionDays)

	if p.config.ArchiveBeforeDelete {
		if err := p.archive(ctx, cutoff); err != nil {
			return 0, fmt.Errorf("archive before prune: %w", err)
		}
	}

	deleted, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune by age failed: %w", err)
	}

	if deleted == 0 {
		p.logger.Debug("no audit rows pruned", "retention_days", p.config.RetentionDays)
	} else {
		p.logger.Info("audit pruning completed",
			"total_deleted", deleted,
			"retention_days", p.config.RetentionDays,
			"cutoff_time", cutoff,
		)
	}
	return deleted, nil
}

func (p *Pruner) archive(ctx context.Context, cutoff time.Time) error {
	// Signals are stored with created_at <= EndTime inclusive; Prune uses a
	// strict cutoff, so step back one nanosecond.
	end := cutoff.Add(-time.Nanosecond)
	signals, err := p.store.Signals(ctx, &audit.SignalQuery{EndTime: &end})
	if err != nil {
		return err
	}
	var acked []*audit.ThresholdSignal
	for _, s := range signals {
		if s.Acknowledged {
			acked = append(acked, s)
		}
	}
	if len(acked) == 0 {
		return nil
	}

	if err := os.MkdirAll(p.config.ArchivePath, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("signals-%s.json", p.clock.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(p.config.ArchivePath, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := export.NewJSONExporter(true).Export(ctx, acked, f); err != nil {
		return err
	}
	p.logger.Info("archived threshold signals", "path", path, "count", len(acked))
	return f.Sync()
}
