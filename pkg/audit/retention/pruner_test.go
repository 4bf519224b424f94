package retention

import (
	"context"
	"os"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/audit/storage"
	"mercator-hq/aegis/pkg/clock"
)

func TestPruner_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -10)
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	_ = store.AddAck(ctx, "run-1", audit.DomainAck{Domain: "d", Action: "a", AckedAt: old})
	_ = store.AddAck(ctx, "run-2", audit.DomainAck{Domain: "d", Action: "a", AckedAt: now})
	_ = store.AddSignal(ctx, &audit.ThresholdSignal{SignalID: "s1", RunID: "run-1", Type: audit.SignalBreach, Metric: "m", CreatedAt: old})
	_ = store.AcknowledgeSignal(ctx, "s1", "alice", old)

	archive := t.TempDir()
	p := NewPruner(store, &Config{RetentionDays: 7, ArchiveBeforeDelete: true, ArchivePath: archive}, clock.NewFake(now))

	deleted, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	files, err := os.ReadDir(archive)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one archive file, got %d", len(files))
	}

	if acks, _ := store.Acks(ctx, "run-2"); len(acks) != 1 {
		t.Error("recent ack was pruned")
	}
}

func TestPruner_Disabled(t *testing.T) {
	store := storage.NewMemoryStorage()
	_ = store.AddAck(context.Background(), "run-1", audit.DomainAck{AckedAt: time.Unix(0, 0)})

	p := NewPruner(store, &Config{RetentionDays: 0}, nil)
	deleted, err := p.Prune(context.Background())
	if err != nil || deleted != 0 {
		t.Errorf("Prune = %d, %v; want 0, nil", deleted, err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	p := NewPruner(storage.NewMemoryStorage(), &Config{RetentionDays: 1, PruneSchedule: "0 3 * * *"}, nil)
	s := p.Scheduler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}
	if s.NextRun() == nil {
		t.Error("NextRun should be set")
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	p := NewPruner(storage.NewMemoryStorage(), &Config{RetentionDays: 1, PruneSchedule: "not a cron"}, nil)
	if err := p.Scheduler().Start(context.Background()); err == nil {
		t.Error("expected invalid schedule error")
	}
}

func TestScheduler_RecordsLastRun(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	p := NewPruner(storage.NewMemoryStorage(), &Config{RetentionDays: 1, PruneSchedule: "@every 1s"}, nil)
	s := p.Scheduler()
	if s.LastRun() != nil {
		t.Fatal("LastRun should be nil before the first tick")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.LastRun() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no scheduled prune within 5s")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if r := s.LastRun(); r.Err != nil || r.Deleted != 0 {
		t.Errorf("LastRun = %+v", r)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler still running after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
