package manager

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/git"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/snapshot"
)

type eventCounter struct {
	mu     sync.Mutex
	events map[string]int
}

func (c *eventCounter) ObserveSnapshotEvent(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = make(map[string]int)
	}
	c.events[event]++
}

func (c *eventCounter) get(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[event]
}

type managerFixture struct {
	snapshots *snapshot.MemoryStore
	overrides *override.MemoryStore
	metrics   *eventCounter
	mgr       *Manager
}

func newManager(t *testing.T, opts ...Option) *managerFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	f := &managerFixture{
		snapshots: snapshot.NewMemoryStore(clk),
		overrides: override.NewMemoryStore(),
		metrics:   &eventCounter{},
	}
	svc, err := override.NewService(f.overrides, override.WithClock(clk))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	opts = append([]Option{
		WithOverrides(svc),
		WithClock(clk),
		WithMetrics(f.metrics),
	}, opts...)
	f.mgr = New(NewLoader(nil), f.snapshots, opts...)
	return f
}

func TestManager_Sync(t *testing.T) {
	f := newManager(t)
	ctx := context.Background()
	dir := writeBundles(t, map[string]string{"acme.yaml": acmeBundle, "globex.yaml": globexBundle})

	res, err := f.mgr.Sync(ctx, dir, "rev-1")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := strings.Join(res.Created(), ","); got != "acme,globex" {
		t.Errorf("Created() = %s, want acme,globex", got)
	}

	acme, err := f.snapshots.Active(ctx, "acme")
	if err != nil {
		t.Fatalf("Active(acme) error = %v", err)
	}
	if acme.SourceRevision != "rev-1" || acme.Version != 1 {
		t.Errorf("acme snapshot = %+v", acme)
	}
	th, err := acme.Thresholds()
	if err != nil || th["cost_usd"] != 50 {
		t.Errorf("Thresholds() = %v, %v", th, err)
	}
	set, err := acme.PolicySet()
	if err != nil || len(set.Policies) != 2 {
		t.Errorf("PolicySet() = %+v, %v", set, err)
	}

	// Same content: nothing new.
	res, err = f.mgr.Sync(ctx, dir, "rev-2")
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if len(res.Created()) != 0 {
		t.Errorf("unchanged bundles created %v", res.Created())
	}
	if res.Tenants[0].SnapshotID != acme.ID {
		t.Errorf("unchanged tenant reports %s, want %s", res.Tenants[0].SnapshotID, acme.ID)
	}

	writeFile(t, filepath.Join(dir, "acme.yaml"), strings.Replace(acmeBundle, "cost_usd: 50", "cost_usd: 25", 1))
	res, err = f.mgr.Sync(ctx, dir, "rev-3")
	if err != nil {
		t.Fatalf("third Sync() error = %v", err)
	}
	if got := strings.Join(res.Created(), ","); got != "acme" {
		t.Errorf("Created() = %s, want acme", got)
	}
	next, _ := f.snapshots.Active(ctx, "acme")
	if next.Version != 2 || next.SourceRevision != "rev-3" {
		t.Errorf("new acme snapshot = %+v", next)
	}
	old, _ := f.snapshots.Get(ctx, acme.ID)
	if old.Status == snapshot.StatusActive {
		t.Error("previous snapshot should no longer be ACTIVE")
	}

	if f.metrics.get(EventCreated) != 3 || f.metrics.get(EventUnchanged) != 3 {
		t.Errorf("events = %v", f.metrics.events)
	}
	if f.mgr.Last() != res {
		t.Error("Last() should return the latest result")
	}
}

func TestManager_SyncOverrides(t *testing.T) {
	f := newManager(t)
	ctx := context.Background()
	dir := writeBundles(t, map[string]string{"acme.yaml": acmeBundle})

	if _, err := f.mgr.Sync(ctx, dir, ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	a, err := f.overrides.GetAuthority(ctx, "acme", "no-rm-rf")
	if err != nil {
		t.Fatalf("GetAuthority() error = %v", err)
	}
	if !a.OverrideAllowed || !a.RoleAllowed("sre") || a.MaxDuration != time.Hour {
		t.Errorf("authority = %+v", a)
	}

	withoutOverrides := acmeBundle[:strings.Index(acmeBundle, "overrides:")]
	writeFile(t, filepath.Join(dir, "acme.yaml"), withoutOverrides)
	if _, err := f.mgr.Sync(ctx, dir, ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	a, _ = f.overrides.GetAuthority(ctx, "acme", "no-rm-rf")
	if a.OverrideAllowed {
		t.Error("authority dropped from the bundle should be disabled")
	}
	if !a.RoleAllowed("sre") {
		t.Error("disabling should keep the rest of the configuration")
	}
}

func TestManager_LenientAndStrict(t *testing.T) {
	files := map[string]string{"acme.yaml": acmeBundle, "broken.yaml": "tenant: ["}
	ctx := context.Background()

	lenient := newManager(t)
	res, err := lenient.mgr.Sync(ctx, writeBundles(t, files), "")
	if err != nil {
		t.Fatalf("lenient Sync() error = %v", err)
	}
	if len(res.Rejected) != 1 || len(res.Created()) != 1 {
		t.Errorf("lenient result = %+v", res)
	}
	if lenient.metrics.get(EventRejected) != 1 {
		t.Errorf("rejected events = %d", lenient.metrics.get(EventRejected))
	}

	strict := newManager(t, WithStrict(true))
	if _, err := strict.mgr.Sync(ctx, writeBundles(t, files), ""); err == nil {
		t.Fatal("strict Sync() should fail")
	}
	if _, err := strict.snapshots.Active(ctx, "acme"); !errors.Is(err, snapshot.ErrNoActiveSnapshot) {
		t.Errorf("strict failure created a snapshot: %v", err)
	}
}

func TestManager_ReloadCommit(t *testing.T) {
	f := newManager(t)
	ctx := context.Background()
	commit := &git.CommitInfo{SHA: "0123456789abcdef0123456789abcdef01234567"}

	if err := f.mgr.ReloadCommit(ctx, writeBundles(t, map[string]string{"acme.yaml": acmeBundle}), commit); err != nil {
		t.Fatalf("ReloadCommit() error = %v", err)
	}
	snap, err := f.snapshots.Active(ctx, "acme")
	if err != nil || snap.SourceRevision != commit.SHA {
		t.Errorf("Active() = %+v, %v; want revision %s", snap, err, commit.SHA)
	}

	partial := writeBundles(t, map[string]string{"globex.yaml": globexBundle, "broken.yaml": "tenant: ["})
	err = f.mgr.ReloadCommit(ctx, partial, commit)
	var list *ErrorList
	if !errors.As(err, &list) {
		t.Errorf("ReloadCommit() with a bad file error = %v, want *ErrorList", err)
	}
}

type failingStore struct {
	*snapshot.MemoryStore
}

func (failingStore) Create(context.Context, string, *policy.Set, snapshot.Thresholds, ...snapshot.CreateOption) (*snapshot.Snapshot, error) {
	return nil, errors.New("disk full")
}

func TestManager_SyncError(t *testing.T) {
	store := failingStore{snapshot.NewMemoryStore(nil)}
	mgr := New(nil, store)

	res, err := mgr.Sync(context.Background(), writeBundles(t, map[string]string{"acme.yaml": acmeBundle}), "")
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Tenant != "acme" || syncErr.Op != "create snapshot" {
		t.Fatalf("Sync() error = %v, want *SyncError for acme", err)
	}
	if res == nil || len(res.Tenants) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestManager_WatchDir(t *testing.T) {
	f := newManager(t)
	dir := writeBundles(t, map[string]string{"acme.yaml": acmeBundle})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := f.mgr.Sync(ctx, dir, ""); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.mgr.WatchDir(ctx, dir, 20*time.Millisecond) }()
	// Give fsnotify time to register.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "globex.yaml"), globexBundle)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := f.snapshots.Active(context.Background(), "globex"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("new bundle was not picked up by the watcher")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WatchDir() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchDir did not return after cancel")
	}
}
