package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"mercator-hq/aegis/internal/sqlstore"
	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/audit/storage"
	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/config"
	"mercator-hq/aegis/pkg/governance"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
	"mercator-hq/aegis/pkg/policy/manager"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/precedence"
	"mercator-hq/aegis/pkg/policy/snapshot"
	"mercator-hq/aegis/pkg/runkernel"
	"mercator-hq/aegis/pkg/telemetry/logging"
	"mercator-hq/aegis/pkg/telemetry/metrics"
	"mercator-hq/aegis/pkg/telemetry/tracing"
)

// app holds the components built from one configuration. Commands build
// only what they use; Close releases whatever was opened.
type app struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *tracing.Tracer
	metrics *metrics.Collector

	snapshots snapshot.Store
	overrides *override.Service
	audit     audit.Store
	redis     *redis.Client

	closers []io.Closer
}

// loadConfig reads the configuration file. Without --config, a missing
// default file falls back to built-in defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	explicit := path != ""
	if !explicit {
		path = os.Getenv("AEGIS_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return config.Default()
		}
		return nil, cli.NewConfigError("config", err.Error())
	}
	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, cli.NewConfigError(path, err.Error())
	}
	return cfg, nil
}

// newApp loads the configuration and installs logging and telemetry.
// Diagnostics go to stderr so command output stays machine-readable.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.Install(cfg.Telemetry.Logging, os.Stderr)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.tracing", err.Error())
	}

	return &app{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logger,
		tracer:  tracer,
		metrics: metrics.NewCollector(&cfg.Telemetry.Metrics, prometheus.NewRegistry()),
	}, nil
}

func (a *app) track(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close flushes traces and closes every opened store in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Snapshots opens the snapshot store.
func (a *app) Snapshots(ctx context.Context) (snapshot.Store, error) {
	if a.snapshots != nil {
		return a.snapshots, nil
	}
	sc := a.cfg.Snapshot.StoreConfig

	var (
		store snapshot.Store
		err   error
	)
	switch sc.Backend {
	case config.BackendMemory:
		store = snapshot.NewMemoryStore(a.clock)
	case config.BackendSQLite:
		if err := ensureDir(sc.SQLitePath); err != nil {
			return nil, err
		}
		store, err = snapshot.OpenSQLite(ctx, sc.SQLitePath, a.clock)
	case config.BackendPostgres:
		store, err = snapshot.OpenPostgres(ctx, sc.PostgresDSN, a.clock)
	default:
		return nil, cli.NewConfigError("snapshot.backend", fmt.Sprintf("unsupported backend %q", sc.Backend))
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	a.track(store)
	a.snapshots = store
	return store, nil
}

func (a *app) overrideStore(ctx context.Context) (override.Store, error) {
	sc := a.cfg.Override.StoreConfig
	switch sc.Backend {
	case config.BackendMemory:
		s := override.NewMemoryStore()
		a.track(s)
		return s, nil
	case config.BackendSQLite:
		if err := ensureDir(sc.SQLitePath); err != nil {
			return nil, err
		}
		return a.openOverrideSQL(ctx, sqlstore.SQLite, sc.SQLitePath)
	case config.BackendPostgres:
		return a.openOverrideSQL(ctx, sqlstore.Postgres, sc.PostgresDSN)
	default:
		return nil, cli.NewConfigError("override.backend", fmt.Sprintf("unsupported backend %q", sc.Backend))
	}
}

func (a *app) openOverrideSQL(ctx context.Context, d sqlstore.Dialect, dsn string) (override.Store, error) {
	s, err := override.OpenSQLStore(ctx, d, dsn)
	if err != nil {
		return nil, fmt.Errorf("open override store: %w", err)
	}
	a.track(s)
	return s, nil
}

func (a *app) locker(ctx context.Context) (override.Locker, error) {
	lc := a.cfg.Override.Lock
	if lc.Backend != config.LockRedis {
		return override.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", lc.RedisAddr, err)
	}
	a.track(client)
	a.redis = client
	return override.NewRedisLocker(client, override.RedisLockerConfig{
		Prefix:        lc.Prefix,
		TTL:           lc.TTL,
		RetryInterval: lc.RetryInterval,
	}), nil
}

// Overrides builds the override authority.
func (a *app) Overrides(ctx context.Context) (*override.Service, error) {
	if a.overrides != nil {
		return a.overrides, nil
	}
	store, err := a.overrideStore(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := override.NewService(store,
		override.WithLocker(locker),
		override.WithClock(a.clock),
		override.WithLogger(a.logger),
		override.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	a.overrides = svc
	return svc, nil
}

// Audit opens the audit store.
func (a *app) Audit() (audit.Store, error) {
	if a.audit != nil {
		return a.audit, nil
	}
	ac := a.cfg.Audit

	var store audit.Store
	switch ac.Backend {
	case config.BackendMemory:
		store = storage.NewMemoryStorage()
	case config.BackendSQLite:
		if err := ensureDir(ac.SQLite.Path); err != nil {
			return nil, err
		}
		s, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{
			Path:         ac.SQLite.Path,
			MaxOpenConns: ac.SQLite.MaxOpenConns,
			MaxIdleConns: ac.SQLite.MaxIdleConns,
			WALMode:      ac.SQLite.WALMode == nil || *ac.SQLite.WALMode,
			BusyTimeout:  ac.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		store = s
	default:
		return nil, cli.NewConfigError("audit.backend", fmt.Sprintf("unsupported backend %q", ac.Backend))
	}
	a.track(store)
	a.audit = store
	return store, nil
}

// Manager builds a bundle manager writing to the snapshot and override
// stores.
func (a *app) Manager(ctx context.Context) (*manager.Manager, error) {
	snapshots, err := a.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := a.Overrides(ctx)
	if err != nil {
		return nil, err
	}
	return manager.New(manager.NewLoader(nil), snapshots,
		manager.WithOverrides(overrides),
		manager.WithStrict(a.cfg.Policy.Validation.Strict),
		manager.WithClock(a.clock),
		manager.WithLogger(a.logger),
		manager.WithMetrics(a.metrics),
	), nil
}

// seedMemory loads the bundle directory into a fresh in-memory snapshot
// store so one-shot commands have something to evaluate against.
func (a *app) seedMemory(ctx context.Context) error {
	if a.cfg.Snapshot.Backend != config.BackendMemory || a.cfg.Policy.Mode != config.PolicyModeFile {
		return nil
	}
	if _, err := os.Stat(a.cfg.Policy.BundleDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	m, err := a.Manager(ctx)
	if err != nil {
		return err
	}
	_, err = m.Sync(ctx, a.cfg.Policy.BundleDir, "")
	return err
}

// ControlPlane builds the control plane over the configured stores.
func (a *app) ControlPlane(ctx context.Context) (*governance.ControlPlane, error) {
	if err := a.seedMemory(ctx); err != nil {
		return nil, err
	}
	snapshots, err := a.Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	overrides, err := a.Overrides(ctx)
	if err != nil {
		return nil, err
	}
	auditStore, err := a.Audit()
	if err != nil {
		return nil, err
	}

	g := a.cfg.Governance
	resolver, err := precedence.NewResolver(precedence.Config{
		DefaultFailureMode: policy.FailureMode(g.DefaultFailureMode),
		NoDecisionAction:   policy.Action(g.NoDecisionAction),
	}, a.logger)
	if err != nil {
		return nil, cli.NewConfigError("governance", err.Error())
	}

	e := a.cfg.Engine
	eng, err := governance.NewPolicyEngine(&engine.Config{
		MaxSteps:            e.MaxSteps,
		MaxCallDepth:        e.MaxCallDepth,
		MaxPatternLength:    e.MaxPatternLength,
		MaxMatchInputLength: e.MaxMatchInputLength,
		PatternCacheSize:    e.PatternCacheSize,
	}, a.logger)
	if err != nil {
		return nil, cli.NewConfigError("engine", err.Error())
	}

	return governance.New(resolver, snapshots, eng, governance.Config{
		Thresholds:      audit.ThresholdConfig{NearRatio: g.Thresholds.NearRatio},
		DenyOnBreach:    g.Thresholds.DenyOnBreach == nil || *g.Thresholds.DenyOnBreach,
		StoreTimeout:    g.StoreTimeout,
		VerifySnapshots: a.cfg.Snapshot.VerifyOnLoad,
	},
		governance.WithOverrides(overrides),
		governance.WithAuditStore(auditStore),
		governance.WithClock(a.clock),
		governance.WithLogger(a.logger),
		governance.WithTracer(a.tracer.Tracer("governance")),
		governance.WithMetrics(a.metrics),
	), nil
}

// Runner builds a run orchestrator over the control plane.
func (a *app) Runner(ctx context.Context, sink governance.IntentSink) (*governance.Runner, error) {
	cp, err := a.ControlPlane(ctx)
	if err != nil {
		return nil, err
	}
	auditStore, err := a.Audit()
	if err != nil {
		return nil, err
	}

	g := a.cfg.Governance
	expectations := make([]runkernel.ExpectationConfig, 0, len(g.Expectations))
	for _, e := range g.Expectations {
		expectations = append(expectations, runkernel.ExpectationConfig{Domain: e.Domain, Action: e.Action})
	}

	return governance.NewRunner(cp, auditStore, audit.NewStoreReconciler(auditStore, a.clock), governance.RunnerConfig{
		Kernel: runkernel.Config{
			GracePeriod:       g.GracePeriod,
			GovernanceTimeout: g.GovernanceTimeout,
			StoreTimeout:      g.StoreTimeout,
			RequireAllAcks:    g.RequireAllAcks,
			Expectations:      expectations,
		},
		Sink:    sink,
		Clock:   a.clock,
		Logger:  a.logger,
		Tracer:  a.tracer.Tracer("runkernel"),
		Metrics: a.metrics,
	}), nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}
