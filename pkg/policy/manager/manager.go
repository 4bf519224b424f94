package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy/git"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/snapshot"
)

// Snapshot events reported to Metrics.
const (
	EventCreated   = "created"
	EventUnchanged = "unchanged"
	EventRejected  = "rejected"
)

// Metrics receives bundle sync events.
type Metrics interface {
	ObserveSnapshotEvent(event string)
}

// Manager turns bundle directories into snapshots. Each Sync creates a new
// ACTIVE snapshot for every tenant whose bundle content differs from its
// current ACTIVE snapshot and writes the bundle's override configuration.
// Syncs are serialized.
type Manager struct {
	loader    *Loader
	snapshots snapshot.Store
	overrides OverrideConfigWriter
	strict    bool
	clock     clock.Clock
	logger    *slog.Logger
	metrics   Metrics

	mu   sync.Mutex
	last *SyncResult
}

// Option configures a Manager.
type Option func(*Manager)

// OverrideConfigWriter applies override configuration. *override.Service
// satisfies it and serializes each write with activations of the policy.
type OverrideConfigWriter interface {
	PutConfig(ctx context.Context, cfg override.Config) error
	ListAuthorities(ctx context.Context, tenantID string) ([]*override.Authority, error)
}

// WithOverrides writes bundle override configuration through w. Without
// it, overrides in bundles are validated but not applied.
func WithOverrides(w OverrideConfigWriter) Option {
	return func(m *Manager) { m.overrides = w }
}

// WithStrict rejects the whole directory when any bundle file is invalid.
func WithStrict(strict bool) Option {
	return func(m *Manager) { m.strict = strict }
}

// WithClock sets the clock used for sync timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// New creates a manager writing to snapshots.
func New(loader *Loader, snapshots snapshot.Store, opts ...Option) *Manager {
	m := &Manager{loader: loader, snapshots: snapshots}
	for _, opt := range opts {
		opt(m)
	}
	if m.loader == nil {
		m.loader = NewLoader(nil)
	}
	m.clock = clock.OrDefault(m.clock)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "policy.manager")
	return m
}

// Sync loads dir and applies its bundles. revision is recorded on created
// snapshots. In lenient mode invalid files are logged, listed in
// SyncResult.Rejected and skipped; their tenants keep the snapshot they
// had.
func (m *Manager) Sync(ctx context.Context, dir, revision string) (*SyncResult, error) {
	bundles, err := m.loader.LoadDir(dir)
	var errList *ErrorList
	switch {
	case err == nil:
	case errors.As(err, &errList) && !m.strict:
		for _, e := range errList.Errors {
			m.observe(EventRejected)
			m.logger.Warn("skipping invalid bundle", "error", e)
		}
	default:
		if errList != nil {
			for range errList.Errors {
				m.observe(EventRejected)
			}
		}
		return nil, err
	}

	res, err := m.Apply(ctx, bundles, revision)
	if res != nil && errList != nil {
		res.Rejected = errList.Errors
	}
	return res, err
}

// ReloadCommit syncs a bundle directory read from a Git commit. It has the
// signature of git.ReloadFunc. A rejected file fails the reload even in
// lenient mode so the watcher records the commit as rejected.
func (m *Manager) ReloadCommit(ctx context.Context, dir string, commit *git.CommitInfo) error {
	res, err := m.Sync(ctx, dir, commit.SHA)
	if err != nil {
		return err
	}
	if len(res.Rejected) > 0 {
		return &ErrorList{Errors: res.Rejected}
	}
	return nil
}

// Apply writes already loaded bundles.
func (m *Manager) Apply(ctx context.Context, bundles []*Bundle, revision string) (*SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	res := &SyncResult{Revision: revision, At: m.clock.Now()}
	for _, b := range bundles {
		tr, err := m.applyBundle(ctx, b, revision)
		if err != nil {
			res.Duration = time.Since(start)
			m.last = res
			return res, err
		}
		res.Tenants = append(res.Tenants, *tr)
	}
	res.Duration = time.Since(start)
	m.last = res

	m.logger.Info("bundles synced",
		"revision", revision,
		"tenants", len(res.Tenants),
		"created", len(res.Created()),
		"duration", res.Duration)
	return res, nil
}

func (m *Manager) applyBundle(ctx context.Context, b *Bundle, revision string) (*TenantResult, error) {
	set := b.Set()
	hash, err := snapshot.ContentHash(set, b.Thresholds)
	if err != nil {
		return nil, &SyncError{Tenant: b.Tenant, Op: "hash content", Cause: err}
	}

	tr := &TenantResult{Tenant: b.Tenant}
	active, err := m.snapshots.Active(ctx, b.Tenant)
	switch {
	case err == nil && active.ContentHash == hash:
		tr.SnapshotID, tr.Version = active.ID, active.Version
		m.observe(EventUnchanged)
	case err == nil || errors.Is(err, snapshot.ErrNoActiveSnapshot):
		snap, err := m.snapshots.Create(ctx, b.Tenant, set, b.Thresholds, snapshot.WithSourceRevision(revision))
		if err != nil {
			return nil, &SyncError{Tenant: b.Tenant, Op: "create snapshot", Cause: err}
		}
		tr.SnapshotID, tr.Version, tr.Created = snap.ID, snap.Version, true
		m.observe(EventCreated)
		m.logger.Info("snapshot created",
			"tenant_id", b.Tenant,
			"snapshot_id", snap.ID,
			"version", snap.Version,
			"source_revision", revision,
			"bundle", b.Path)
	default:
		return nil, &SyncError{Tenant: b.Tenant, Op: "read active snapshot", Cause: err}
	}

	n, err := m.applyOverrides(ctx, b)
	if err != nil {
		return nil, err
	}
	tr.Overrides = n
	return tr, nil
}

// applyOverrides writes the bundle's override configuration. Authorities
// of policies no longer configured in the bundle stop accepting new
// overrides; an override already in force runs until it expires or ends.
func (m *Manager) applyOverrides(ctx context.Context, b *Bundle) (int, error) {
	if m.overrides == nil {
		return 0, nil
	}
	configured := make(map[string]bool, len(b.Overrides))
	for _, oc := range b.Overrides {
		if err := m.overrides.PutConfig(ctx, oc); err != nil {
			return 0, &SyncError{Tenant: b.Tenant, Op: "write override config " + oc.PolicyID, Cause: err}
		}
		configured[oc.PolicyID] = true
	}

	existing, err := m.overrides.ListAuthorities(ctx, b.Tenant)
	if err != nil {
		return 0, &SyncError{Tenant: b.Tenant, Op: "list override authorities", Cause: err}
	}
	for _, a := range existing {
		if configured[a.PolicyID] || !a.OverrideAllowed {
			continue
		}
		cfg := a.Config
		cfg.OverrideAllowed = false
		if err := m.overrides.PutConfig(ctx, cfg); err != nil {
			return 0, &SyncError{Tenant: b.Tenant, Op: "disable override " + a.PolicyID, Cause: err}
		}
		m.logger.Info("override authority disabled", "tenant_id", b.Tenant, "policy_id", a.PolicyID)
	}
	return len(b.Overrides), nil
}

// Last returns the result of the most recent Apply, or nil.
func (m *Manager) Last() *SyncResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// WatchDir syncs dir whenever a bundle file changes, until ctx is done.
// Sync failures are logged and the previous snapshots stay ACTIVE.
func (m *Manager) WatchDir(ctx context.Context, dir string, debounce time.Duration) error {
	fw, err := NewFileWatcher(&FileWatcherConfig{
		Path:             dir,
		DebounceInterval: debounce,
		Extensions:       m.loader.config.Extensions,
		SkipHidden:       m.loader.config.SkipHidden,
	}, m.logger)
	if err != nil {
		return err
	}
	defer fw.Close()

	return fw.Watch(ctx, func() {
		if _, err := m.Sync(ctx, dir, ""); err != nil {
			m.logger.Error("bundle reload failed, previous snapshots stay active", "error", err)
		}
	})
}

func (m *Manager) observe(event string) {
	if m.metrics != nil {
		m.metrics.ObserveSnapshotEvent(event)
	}
}
