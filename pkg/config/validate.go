package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "audit.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateGovernance(&cfg.Governance)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateStore("snapshot", &cfg.Snapshot.StoreConfig)...)
	errs = append(errs, validateStore("override", &cfg.Override.StoreConfig)...)
	errs = append(errs, validateOverride(&cfg.Override)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateGovernance(cfg *GovernanceConfig) []FieldError {
	var errs []FieldError

	if cfg.Workers < 1 {
		errs = append(errs, FieldError{Field: "governance.workers", Message: "must be at least 1"})
	}
	if cfg.QueueSize < 0 {
		errs = append(errs, FieldError{Field: "governance.queue_size", Message: "must not be negative"})
	}
	switch cfg.DefaultFailureMode {
	case "fail_closed", "fail_open":
	default:
		errs = append(errs, FieldError{
			Field:   "governance.default_failure_mode",
			Message: fmt.Sprintf("must be 'fail_closed' or 'fail_open', got %q", cfg.DefaultFailureMode),
		})
	}
	switch cfg.NoDecisionAction {
	case "ALLOW", "DENY", "ESCALATE", "ROUTE":
	default:
		errs = append(errs, FieldError{
			Field:   "governance.no_decision_action",
			Message: fmt.Sprintf("must be one of ALLOW, DENY, ESCALATE, ROUTE, got %q", cfg.NoDecisionAction),
		})
	}
	if cfg.GovernanceTimeout <= 0 {
		errs = append(errs, FieldError{Field: "governance.governance_timeout", Message: "must be positive"})
	}
	if cfg.GracePeriod < 0 {
		errs = append(errs, FieldError{Field: "governance.grace_period", Message: "must not be negative"})
	}
	if cfg.StoreTimeout <= 0 {
		errs = append(errs, FieldError{Field: "governance.store_timeout", Message: "must be positive"})
	}

	seen := make(map[string]bool)
	for i, e := range cfg.Expectations {
		field := fmt.Sprintf("governance.expectations[%d]", i)
		if e.Domain == "" || e.Action == "" {
			errs = append(errs, FieldError{Field: field, Message: "domain and action are required"})
			continue
		}
		if e.Domain == "run" && e.Action == "finalize_run" {
			errs = append(errs, FieldError{Field: field, Message: "run:finalize_run is emitted by the kernel and cannot be declared"})
		}
		key := e.Domain + ":" + e.Action
		if seen[key] {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("duplicate expectation %q", key)})
		}
		seen[key] = true
	}

	if r := cfg.Thresholds.NearRatio; r <= 0 || r > 1 {
		errs = append(errs, FieldError{Field: "governance.thresholds.near_ratio", Message: "must be in (0, 1]"})
	}
	return errs
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError
	check := func(field string, v int) {
		if v < 1 {
			errs = append(errs, FieldError{Field: "engine." + field, Message: "must be at least 1"})
		}
	}
	check("max_steps", cfg.MaxSteps)
	check("max_call_depth", cfg.MaxCallDepth)
	check("max_pattern_length", cfg.MaxPatternLength)
	check("max_match_input_length", cfg.MaxMatchInputLength)
	check("pattern_cache_size", cfg.PatternCacheSize)
	return errs
}

func validateStore(section string, cfg *StoreConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, FieldError{Field: section + ".sqlite_path", Message: "required when backend is 'sqlite'"})
		}
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, FieldError{Field: section + ".postgres_dsn", Message: "required when backend is 'postgres'"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   section + ".backend",
			Message: fmt.Sprintf("must be 'memory', 'sqlite' or 'postgres', got %q", cfg.Backend),
		})
	}
	return errs
}

func validateOverride(cfg *OverrideConfig) []FieldError {
	var errs []FieldError

	switch cfg.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if cfg.Lock.RedisAddr == "" {
			errs = append(errs, FieldError{Field: "override.lock.redis_addr", Message: "required when backend is 'redis'"})
		} else if _, _, err := net.SplitHostPort(cfg.Lock.RedisAddr); err != nil {
			errs = append(errs, FieldError{Field: "override.lock.redis_addr", Message: fmt.Sprintf("invalid address: %v", err)})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "override.lock.backend",
			Message: fmt.Sprintf("must be 'local' or 'redis', got %q", cfg.Lock.Backend),
		})
	}
	if cfg.Lock.TTL <= 0 {
		errs = append(errs, FieldError{Field: "override.lock.ttl", Message: "must be positive"})
	}
	if cfg.Lock.RetryInterval <= 0 {
		errs = append(errs, FieldError{Field: "override.lock.retry_interval", Message: "must be positive"})
	}
	errs = append(errs, validateSchedule("override.sweep_schedule", cfg.SweepSchedule)...)
	errs = append(errs, validateSchedule("override.reset_schedule", cfg.ResetSchedule)...)
	return errs
}

func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "audit.sqlite.path", Message: "required when backend is 'sqlite'"})
		}
		if cfg.SQLite.MaxOpenConns < 1 {
			errs = append(errs, FieldError{Field: "audit.sqlite.max_open_conns", Message: "must be at least 1"})
		}
		if cfg.SQLite.MaxIdleConns > cfg.SQLite.MaxOpenConns {
			errs = append(errs, FieldError{Field: "audit.sqlite.max_idle_conns", Message: "must not exceed max_open_conns"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "audit.backend",
			Message: fmt.Sprintf("must be 'memory' or 'sqlite', got %q", cfg.Backend),
		})
	}

	if cfg.Retention.RetentionDays < 0 {
		errs = append(errs, FieldError{Field: "audit.retention.retention_days", Message: "must not be negative"})
	}
	errs = append(errs, validateSchedule("audit.retention.prune_schedule", cfg.Retention.PruneSchedule)...)
	if cfg.Retention.ArchiveBeforeDelete && cfg.Retention.ArchivePath == "" {
		errs = append(errs, FieldError{Field: "audit.retention.archive_path", Message: "required when archive_before_delete is set"})
	}
	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	switch cfg.Mode {
	case PolicyModeFile:
		if cfg.BundleDir == "" {
			errs = append(errs, FieldError{Field: "policy.bundle_dir", Message: "required when mode is 'file'"})
		}
	case PolicyModeGit:
		errs = append(errs, validateGit(&cfg.Git)...)
	default:
		errs = append(errs, FieldError{
			Field:   "policy.mode",
			Message: fmt.Sprintf("must be 'file' or 'git', got %q", cfg.Mode),
		})
	}
	if cfg.DebounceInterval < 0 {
		errs = append(errs, FieldError{Field: "policy.debounce_interval", Message: "must not be negative"})
	}
	return errs
}

func validateGit(cfg *GitPolicyConfig) []FieldError {
	var errs []FieldError

	if cfg.Repository == "" {
		errs = append(errs, FieldError{Field: "policy.git.repository", Message: "required when mode is 'git'"})
	} else if !strings.HasPrefix(cfg.Repository, "https://") &&
		!strings.HasPrefix(cfg.Repository, "git@") &&
		!strings.HasPrefix(cfg.Repository, "ssh://") &&
		!strings.HasPrefix(cfg.Repository, "file://") {
		errs = append(errs, FieldError{
			Field:   "policy.git.repository",
			Message: "must be an HTTPS, SSH or file URL",
		})
	}
	if cfg.Branch == "" {
		errs = append(errs, FieldError{Field: "policy.git.branch", Message: "required"})
	}

	switch cfg.Auth.Type {
	case "none":
	case "token":
		if cfg.Auth.Token == "" {
			errs = append(errs, FieldError{Field: "policy.git.auth.token", Message: "required when auth type is 'token'"})
		}
	case "ssh":
		if cfg.Auth.SSHKeyPath == "" {
			errs = append(errs, FieldError{Field: "policy.git.auth.ssh_key_path", Message: "required when auth type is 'ssh'"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "policy.git.auth.type",
			Message: fmt.Sprintf("must be 'none', 'token' or 'ssh', got %q", cfg.Auth.Type),
		})
	}

	if cfg.Poll.Interval <= 0 {
		errs = append(errs, FieldError{Field: "policy.git.poll.interval", Message: "must be positive"})
	}
	if cfg.Poll.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "policy.git.poll.timeout", Message: "must be positive"})
	}
	if cfg.Clone.Depth < 0 {
		errs = append(errs, FieldError{Field: "policy.git.clone.depth", Message: "must not be negative"})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error, got %q", cfg.Logging.Level),
		})
	}
	switch cfg.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("must be 'json', 'text' or 'console', got %q", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.IsEnabled() {
		if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddress); err != nil {
			errs = append(errs, FieldError{Field: "telemetry.metrics.listen_address", Message: fmt.Sprintf("invalid address: %v", err)})
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with '/'"})
		}
		for i := 1; i < len(cfg.Metrics.DurationBuckets); i++ {
			if cfg.Metrics.DurationBuckets[i] <= cfg.Metrics.DurationBuckets[i-1] {
				errs = append(errs, FieldError{Field: "telemetry.metrics.duration_buckets", Message: "must be strictly increasing"})
				break
			}
		}
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never":
		case "ratio":
			if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
				errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be in [0, 1]"})
			}
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("must be 'always', 'never' or 'ratio', got %q", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "required when tracing is enabled"})
		}
	}
	return errs
}

func validateSchedule(field, spec string) []FieldError {
	if spec == "" {
		return []FieldError{{Field: field, Message: "required"}}
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid cron schedule: %v", err)}}
	}
	return nil
}
