package config

import "time"

// Config is the root configuration structure for the governance control
// plane. It is loaded once at process start and passed to the components
// that need it.
type Config struct {
	// Governance contains run orchestration and decision settings.
	Governance GovernanceConfig `yaml:"governance"`

	// Engine contains the policy interpreter limits.
	Engine EngineConfig `yaml:"engine"`

	// Snapshot contains policy snapshot storage settings.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Override contains emergency override storage, locking and sweeping.
	Override OverrideConfig `yaml:"override"`

	// Audit contains expectation, ack and threshold signal storage.
	Audit AuditConfig `yaml:"audit"`

	// Policy contains the policy bundle source.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry contains logging, metrics and tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// GovernanceConfig controls how runs are decided and orchestrated.
type GovernanceConfig struct {
	// Workers is the number of runs processed concurrently.
	// Default: 4
	Workers int `yaml:"workers"`

	// QueueSize is the number of runs that may wait for a worker.
	// Default: 64
	QueueSize int `yaml:"queue_size"`

	// DefaultFailureMode decides runs whose policies lack a precedence row.
	// Options: "fail_closed", "fail_open"
	// Default: "fail_closed"
	DefaultFailureMode string `yaml:"default_failure_mode"`

	// NoDecisionAction is the decision when every bound policy abstains.
	// Options: "ALLOW", "DENY", "ESCALATE", "ROUTE"
	// Default: "ALLOW"
	NoDecisionAction string `yaml:"no_decision_action"`

	// RequireAllAcks makes a non-clean governance check block finalization.
	// Default: false
	RequireAllAcks bool `yaml:"require_all_acks"`

	// GovernanceTimeout bounds the reconciliation query.
	// Default: 5s
	GovernanceTimeout time.Duration `yaml:"governance_timeout"`

	// GracePeriod is the deadline offset of declared expectations.
	// Default: 30s
	GracePeriod time.Duration `yaml:"grace_period"`

	// StoreTimeout bounds audit and snapshot writes.
	// Default: 5s
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// Expectations are the obligations declared for every run.
	// Default: policy_evaluation:evaluate, trace_start:open_trace
	Expectations []ExpectationConfig `yaml:"expectations"`

	// Thresholds controls threshold signal generation.
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// ExpectationConfig names one declared obligation.
type ExpectationConfig struct {
	Domain string `yaml:"domain"`
	Action string `yaml:"action"`
}

// ThresholdsConfig controls near and breach signals.
type ThresholdsConfig struct {
	// NearRatio is the fraction of a threshold that raises a near signal.
	// Default: 0.8
	NearRatio float64 `yaml:"near_ratio"`

	// DenyOnBreach turns a breach into a DENY decision.
	// Default: true
	DenyOnBreach *bool `yaml:"deny_on_breach"`
}

// EngineConfig contains interpreter limits.
type EngineConfig struct {
	// MaxSteps is the instruction budget of one execution.
	// Default: 10000
	MaxSteps int `yaml:"max_steps"`

	// MaxCallDepth bounds nested function calls.
	// Default: 64
	MaxCallDepth int `yaml:"max_call_depth"`

	// MaxPatternLength caps regex patterns used by matches.
	// Default: 256
	MaxPatternLength int `yaml:"max_pattern_length"`

	// MaxMatchInputLength caps inputs evaluated by matches.
	// Default: 8192
	MaxMatchInputLength int `yaml:"max_match_input_length"`

	// PatternCacheSize caps compiled patterns kept in memory.
	// Default: 256
	PatternCacheSize int `yaml:"pattern_cache_size"`
}

// StoreConfig selects a relational backend.
type StoreConfig struct {
	// Backend is the storage backend.
	// Options: "memory", "sqlite", "postgres"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLitePath is the database file when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string when Backend is "postgres".
	// Supports environment variables.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SnapshotConfig contains snapshot storage configuration.
type SnapshotConfig struct {
	StoreConfig `yaml:",inline"`

	// VerifyOnLoad re-verifies the ACTIVE snapshot before each resolution.
	// Default: false
	VerifyOnLoad bool `yaml:"verify_on_load"`
}

// OverrideConfig contains override authority configuration.
type OverrideConfig struct {
	StoreConfig `yaml:",inline"`

	// Lock selects the per-policy lock.
	Lock LockConfig `yaml:"lock"`

	// SweepSchedule is the cron schedule that ends expired overrides.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`

	// ResetSchedule is the cron schedule (UTC) that resets daily counters.
	// Default: "0 0 * * *"
	ResetSchedule string `yaml:"reset_schedule"`
}

// LockConfig selects the override lock implementation.
type LockConfig struct {
	// Backend is the lock backend.
	// Options: "local", "redis"
	// Default: "local"
	Backend string `yaml:"backend"`

	// RedisAddr is the Redis address when Backend is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates to Redis. Supports environment variables.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the Redis database.
	RedisDB int `yaml:"redis_db"`

	// Prefix namespaces lock keys.
	// Default: "aegis:override:lock:"
	Prefix string `yaml:"prefix"`

	// TTL bounds how long a crashed holder keeps a lock.
	// Default: 10s
	TTL time.Duration `yaml:"ttl"`

	// RetryInterval is the wait between acquisition attempts.
	// Default: 25ms
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// AuditConfig contains audit storage configuration.
type AuditConfig struct {
	// Backend is the storage backend.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite backend configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Retention contains pruning configuration.
	Retention RetentionConfig `yaml:"retention"`
}

// SQLiteConfig contains SQLite database configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/audit.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables Write-Ahead Logging.
	// Default: true
	WALMode *bool `yaml:"wal_mode"`

	// BusyTimeout is how long to wait for a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RetentionConfig contains audit retention configuration.
type RetentionConfig struct {
	// RetentionDays is the number of days audit rows are kept.
	// 0 keeps everything.
	// Default: 90
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is a cron expression for pruning.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`

	// ArchiveBeforeDelete writes acknowledged signals to ArchivePath
	// before they are pruned.
	// Default: false
	ArchiveBeforeDelete bool `yaml:"archive_before_delete"`

	// ArchivePath is the archive directory.
	// Default: "data/archives/"
	ArchivePath string `yaml:"archive_path"`
}

// PolicyConfig contains the policy bundle source.
type PolicyConfig struct {
	// Mode specifies where bundles are loaded from.
	// Options: "file" (local directory), "git" (Git repository)
	// Default: "file"
	Mode string `yaml:"mode"`

	// BundleDir is the directory holding tenant bundle files in file mode.
	// Default: "./policies"
	BundleDir string `yaml:"bundle_dir"`

	// Watch reloads bundles when files change.
	// Default: false
	Watch bool `yaml:"watch"`

	// DebounceInterval coalesces bursts of file events.
	// Default: 100ms
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// Git contains Git repository configuration for git mode.
	Git GitPolicyConfig `yaml:"git"`

	// Validation contains bundle validation settings.
	Validation PolicyValidationConfig `yaml:"validation"`
}

// GitPolicyConfig configures Git-based bundle loading.
type GitPolicyConfig struct {
	// Repository URL (HTTPS or SSH).
	Repository string `yaml:"repository"`

	// Branch to track.
	// Default: "main"
	Branch string `yaml:"branch"`

	// Path within the repository to bundle files.
	// Default: "" (root directory)
	Path string `yaml:"path"`

	// Auth configures Git authentication.
	Auth GitAuthConfig `yaml:"auth"`

	// Poll configures change detection.
	Poll GitPollConfig `yaml:"poll"`

	// Clone configures repository cloning.
	Clone GitCloneConfig `yaml:"clone"`
}

// GitAuthConfig configures Git authentication.
type GitAuthConfig struct {
	// Type: "token", "ssh", "none"
	// Default: "none"
	Type string `yaml:"type"`

	// Token for HTTPS authentication. Supports environment variables.
	Token string `yaml:"token"`

	// SSHKeyPath for SSH authentication.
	SSHKeyPath string `yaml:"ssh_key_path"`

	// SSHKeyPassphrase for encrypted SSH keys.
	SSHKeyPassphrase string `yaml:"ssh_key_passphrase"`
}

// GitPollConfig configures change detection.
type GitPollConfig struct {
	// Enabled turns on polling. When false, bundles are loaded once.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Interval between polls.
	// Default: 30s
	Interval time.Duration `yaml:"interval"`

	// Timeout for Git operations.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// GitCloneConfig configures repository cloning.
type GitCloneConfig struct {
	// Depth for shallow clones (0 = full clone).
	// Default: 1
	Depth int `yaml:"depth"`

	// LocalPath where the repository is cloned.
	// Default: system temp directory
	LocalPath string `yaml:"local_path"`

	// CleanOnStart removes the local clone before cloning.
	// Default: false
	CleanOnStart bool `yaml:"clean_on_start"`
}

// PolicyValidationConfig contains bundle validation settings.
type PolicyValidationConfig struct {
	// Strict rejects the whole bundle directory when one file is invalid.
	// When false, invalid files are logged and skipped.
	// Default: false
	Strict bool `yaml:"strict"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled controls metric collection.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// ListenAddress serves the metrics endpoint in serve mode.
	// Default: "127.0.0.1:9464"
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path of the metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "aegis"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "governance"
	Subsystem string `yaml:"subsystem"`

	// DurationBuckets are histogram buckets for evaluation durations.
	// Default: exponential from 10µs
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// IsEnabled reports whether metrics are enabled.
func (c *MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig contains tracing configuration.
type TracingConfig struct {
	// Enabled controls tracing.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces sampled with the ratio sampler.
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "aegis"
	ServiceName string `yaml:"service_name"`

	// Insecure disables TLS to the collector.
	// Default: true
	Insecure *bool `yaml:"insecure"`

	// Timeout bounds exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// IsInsecure reports whether the collector connection skips TLS.
func (c *TracingConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}
