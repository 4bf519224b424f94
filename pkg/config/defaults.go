package config

import "time"

// Backend, lock and policy mode names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"

	PolicyModeFile = "file"
	PolicyModeGit  = "git"
)

// Default values for configuration fields.
const (
	// Governance defaults
	DefaultGovernanceWorkers     = 4
	DefaultGovernanceQueueSize   = 64
	DefaultFailureMode           = "fail_closed"
	DefaultNoDecisionAction      = "ALLOW"
	DefaultGovernanceTimeout     = 5 * time.Second
	DefaultGracePeriod           = 30 * time.Second
	DefaultStoreTimeout          = 5 * time.Second
	DefaultThresholdNearRatio    = 0.8
	DefaultThresholdDenyOnBreach = true

	// Engine defaults
	DefaultEngineMaxSteps            = 10000
	DefaultEngineMaxCallDepth        = 64
	DefaultEngineMaxPatternLength    = 256
	DefaultEngineMaxMatchInputLength = 8192
	DefaultEnginePatternCacheSize    = 256

	// Store defaults
	DefaultStoreBackend       = BackendSQLite
	DefaultSnapshotSQLitePath = "data/snapshots.db"
	DefaultOverrideSQLitePath = "data/overrides.db"

	// Override defaults
	DefaultLockBackend        = LockLocal
	DefaultLockPrefix         = "aegis:override:lock:"
	DefaultLockTTL            = 10 * time.Second
	DefaultLockRetryInterval  = 25 * time.Millisecond
	DefaultOverrideSweep      = "@every 1m"
	DefaultOverrideDailyReset = "0 0 * * *"

	// Audit defaults
	DefaultAuditBackend            = BackendSQLite
	DefaultAuditSQLitePath         = "data/audit.db"
	DefaultAuditSQLiteMaxOpenConns = 10
	DefaultAuditSQLiteMaxIdleConns = 5
	DefaultAuditSQLiteWALMode      = true
	DefaultAuditSQLiteBusyTimeout  = 5 * time.Second
	DefaultRetentionDays           = 90
	DefaultRetentionSchedule       = "0 3 * * *"
	DefaultRetentionArchivePath    = "data/archives/"

	// Policy defaults
	DefaultPolicyMode             = PolicyModeFile
	DefaultPolicyBundleDir        = "./policies"
	DefaultPolicyDebounceInterval = 100 * time.Millisecond
	DefaultPolicyGitBranch        = "main"
	DefaultPolicyGitAuthType      = "none"
	DefaultPolicyGitPollEnabled   = true
	DefaultPolicyGitPollInterval  = 30 * time.Second
	DefaultPolicyGitPollTimeout   = 10 * time.Second
	DefaultPolicyGitCloneDepth    = 1

	// Telemetry defaults
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMetricsEnabled     = true
	DefaultMetricsAddress     = "127.0.0.1:9464"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "aegis"
	DefaultMetricsSubsystem   = "governance"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingService     = "aegis"
	DefaultTracingInsecure    = true
	DefaultTracingTimeout     = 10 * time.Second
)

// DefaultDurationBuckets are the histogram buckets for evaluation durations,
// in seconds.
var DefaultDurationBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1,
}

// DefaultExpectations are the obligations declared for every run when none
// are configured.
func DefaultExpectations() []ExpectationConfig {
	return []ExpectationConfig{
		{Domain: "policy_evaluation", Action: "evaluate"},
		{Domain: "trace_start", Action: "open_trace"},
	}
}

// ApplyDefaults fills zero-valued fields with their defaults. Explicitly set
// values are never overwritten.
func ApplyDefaults(cfg *Config) {
	applyGovernanceDefaults(&cfg.Governance)

	e := &cfg.Engine
	if e.MaxSteps == 0 {
		e.MaxSteps = DefaultEngineMaxSteps
	}
	if e.MaxCallDepth == 0 {
		e.MaxCallDepth = DefaultEngineMaxCallDepth
	}
	if e.MaxPatternLength == 0 {
		e.MaxPatternLength = DefaultEngineMaxPatternLength
	}
	if e.MaxMatchInputLength == 0 {
		e.MaxMatchInputLength = DefaultEngineMaxMatchInputLength
	}
	if e.PatternCacheSize == 0 {
		e.PatternCacheSize = DefaultEnginePatternCacheSize
	}

	applyStoreDefaults(&cfg.Snapshot.StoreConfig, DefaultSnapshotSQLitePath)
	applyStoreDefaults(&cfg.Override.StoreConfig, DefaultOverrideSQLitePath)
	applyOverrideDefaults(&cfg.Override)
	applyAuditDefaults(&cfg.Audit)
	applyPolicyDefaults(&cfg.Policy)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyGovernanceDefaults(g *GovernanceConfig) {
	if g.Workers == 0 {
		g.Workers = DefaultGovernanceWorkers
	}
	if g.QueueSize == 0 {
		g.QueueSize = DefaultGovernanceQueueSize
	}
	if g.DefaultFailureMode == "" {
		g.DefaultFailureMode = DefaultFailureMode
	}
	if g.NoDecisionAction == "" {
		g.NoDecisionAction = DefaultNoDecisionAction
	}
	if g.GovernanceTimeout == 0 {
		g.GovernanceTimeout = DefaultGovernanceTimeout
	}
	if g.GracePeriod == 0 {
		g.GracePeriod = DefaultGracePeriod
	}
	if g.StoreTimeout == 0 {
		g.StoreTimeout = DefaultStoreTimeout
	}
	if len(g.Expectations) == 0 {
		g.Expectations = DefaultExpectations()
	}
	if g.Thresholds.NearRatio == 0 {
		g.Thresholds.NearRatio = DefaultThresholdNearRatio
	}
	if g.Thresholds.DenyOnBreach == nil {
		v := DefaultThresholdDenyOnBreach
		g.Thresholds.DenyOnBreach = &v
	}
}

func applyStoreDefaults(s *StoreConfig, sqlitePath string) {
	if s.Backend == "" {
		s.Backend = DefaultStoreBackend
	}
	if s.Backend == BackendSQLite && s.SQLitePath == "" {
		s.SQLitePath = sqlitePath
	}
}

func applyOverrideDefaults(o *OverrideConfig) {
	if o.Lock.Backend == "" {
		o.Lock.Backend = DefaultLockBackend
	}
	if o.Lock.Prefix == "" {
		o.Lock.Prefix = DefaultLockPrefix
	}
	if o.Lock.TTL == 0 {
		o.Lock.TTL = DefaultLockTTL
	}
	if o.Lock.RetryInterval == 0 {
		o.Lock.RetryInterval = DefaultLockRetryInterval
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = DefaultOverrideSweep
	}
	if o.ResetSchedule == "" {
		o.ResetSchedule = DefaultOverrideDailyReset
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if a.Backend == "" {
		a.Backend = DefaultAuditBackend
	}
	if a.SQLite.Path == "" {
		a.SQLite.Path = DefaultAuditSQLitePath
	}
	if a.SQLite.MaxOpenConns == 0 {
		a.SQLite.MaxOpenConns = DefaultAuditSQLiteMaxOpenConns
	}
	if a.SQLite.MaxIdleConns == 0 {
		a.SQLite.MaxIdleConns = DefaultAuditSQLiteMaxIdleConns
	}
	if a.SQLite.WALMode == nil {
		v := DefaultAuditSQLiteWALMode
		a.SQLite.WALMode = &v
	}
	if a.SQLite.BusyTimeout == 0 {
		a.SQLite.BusyTimeout = DefaultAuditSQLiteBusyTimeout
	}
	// RetentionDays 0 is meaningful (keep everything), so only a missing
	// schedule marks the retention block as unset.
	if a.Retention.PruneSchedule == "" {
		a.Retention.PruneSchedule = DefaultRetentionSchedule
		if a.Retention.RetentionDays == 0 {
			a.Retention.RetentionDays = DefaultRetentionDays
		}
	}
	if a.Retention.ArchivePath == "" {
		a.Retention.ArchivePath = DefaultRetentionArchivePath
	}
}

func applyPolicyDefaults(p *PolicyConfig) {
	if p.Mode == "" {
		p.Mode = DefaultPolicyMode
	}
	if p.BundleDir == "" {
		p.BundleDir = DefaultPolicyBundleDir
	}
	if p.DebounceInterval == 0 {
		p.DebounceInterval = DefaultPolicyDebounceInterval
	}

	g := &p.Git
	if g.Branch == "" {
		g.Branch = DefaultPolicyGitBranch
	}
	if g.Auth.Type == "" {
		g.Auth.Type = DefaultPolicyGitAuthType
	}
	if g.Poll.Enabled == nil {
		v := DefaultPolicyGitPollEnabled
		g.Poll.Enabled = &v
	}
	if g.Poll.Interval == 0 {
		g.Poll.Interval = DefaultPolicyGitPollInterval
	}
	if g.Poll.Timeout == 0 {
		g.Poll.Timeout = DefaultPolicyGitPollTimeout
	}
	if g.Clone.Depth == 0 {
		g.Clone.Depth = DefaultPolicyGitCloneDepth
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}

	m := &t.Metrics
	if m.Enabled == nil {
		v := DefaultMetricsEnabled
		m.Enabled = &v
	}
	if m.ListenAddress == "" {
		m.ListenAddress = DefaultMetricsAddress
	}
	if m.Path == "" {
		m.Path = DefaultMetricsPath
	}
	if m.Namespace == "" {
		m.Namespace = DefaultMetricsNamespace
	}
	if m.Subsystem == "" {
		m.Subsystem = DefaultMetricsSubsystem
	}
	if len(m.DurationBuckets) == 0 {
		m.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}

	tr := &t.Tracing
	if tr.Sampler == "" {
		tr.Sampler = DefaultTracingSampler
	}
	if tr.SampleRatio == 0 {
		tr.SampleRatio = DefaultTracingSampleRatio
	}
	if tr.Endpoint == "" {
		tr.Endpoint = DefaultTracingEndpoint
	}
	if tr.ServiceName == "" {
		tr.ServiceName = DefaultTracingService
	}
	if tr.Insecure == nil {
		v := DefaultTracingInsecure
		tr.Insecure = &v
	}
	if tr.Timeout == 0 {
		tr.Timeout = DefaultTracingTimeout
	}
}
