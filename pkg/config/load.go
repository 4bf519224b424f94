package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "AEGIS_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// Environment variables are not consulted; use LoadConfigWithEnvOverrides
// for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration and applies defaults. Secret-bearing
// fields written as ${VAR} are expanded from the environment. It does not
// validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	expandSecrets(&cfg)
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention AEGIS_SECTION_FIELD (e.g., AEGIS_AUDIT_BACKEND) and always take
// precedence over the file.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and environment
// overrides honored. It is used when no configuration file is given.
func Default() (*Config, error) {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func expandSecrets(cfg *Config) {
	cfg.Snapshot.PostgresDSN = os.ExpandEnv(cfg.Snapshot.PostgresDSN)
	cfg.Override.PostgresDSN = os.ExpandEnv(cfg.Override.PostgresDSN)
	cfg.Override.Lock.RedisPassword = os.ExpandEnv(cfg.Override.Lock.RedisPassword)
	cfg.Policy.Git.Auth.Token = os.ExpandEnv(cfg.Policy.Git.Auth.Token)
	cfg.Policy.Git.Auth.SSHKeyPassphrase = os.ExpandEnv(cfg.Policy.Git.Auth.SSHKeyPassphrase)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Governance overrides
	envInt("GOVERNANCE_WORKERS", &cfg.Governance.Workers)
	envInt("GOVERNANCE_QUEUE_SIZE", &cfg.Governance.QueueSize)
	envString("GOVERNANCE_DEFAULT_FAILURE_MODE", &cfg.Governance.DefaultFailureMode)
	envString("GOVERNANCE_NO_DECISION_ACTION", &cfg.Governance.NoDecisionAction)
	envBool("GOVERNANCE_REQUIRE_ALL_ACKS", &cfg.Governance.RequireAllAcks)
	envDuration("GOVERNANCE_TIMEOUT", &cfg.Governance.GovernanceTimeout)
	envDuration("GOVERNANCE_GRACE_PERIOD", &cfg.Governance.GracePeriod)
	envDuration("GOVERNANCE_STORE_TIMEOUT", &cfg.Governance.StoreTimeout)

	// Engine overrides
	envInt("ENGINE_MAX_STEPS", &cfg.Engine.MaxSteps)
	envInt("ENGINE_MAX_CALL_DEPTH", &cfg.Engine.MaxCallDepth)

	// Store overrides
	envString("SNAPSHOT_BACKEND", &cfg.Snapshot.Backend)
	envString("SNAPSHOT_SQLITE_PATH", &cfg.Snapshot.SQLitePath)
	envString("SNAPSHOT_POSTGRES_DSN", &cfg.Snapshot.PostgresDSN)
	envString("OVERRIDE_BACKEND", &cfg.Override.Backend)
	envString("OVERRIDE_SQLITE_PATH", &cfg.Override.SQLitePath)
	envString("OVERRIDE_POSTGRES_DSN", &cfg.Override.PostgresDSN)
	envString("OVERRIDE_LOCK_BACKEND", &cfg.Override.Lock.Backend)
	envString("OVERRIDE_LOCK_REDIS_ADDR", &cfg.Override.Lock.RedisAddr)
	envString("OVERRIDE_LOCK_REDIS_PASSWORD", &cfg.Override.Lock.RedisPassword)
	envInt("OVERRIDE_LOCK_REDIS_DB", &cfg.Override.Lock.RedisDB)

	// Audit overrides
	envString("AUDIT_BACKEND", &cfg.Audit.Backend)
	envString("AUDIT_SQLITE_PATH", &cfg.Audit.SQLite.Path)
	envInt("AUDIT_RETENTION_DAYS", &cfg.Audit.Retention.RetentionDays)
	envString("AUDIT_RETENTION_PRUNE_SCHEDULE", &cfg.Audit.Retention.PruneSchedule)

	// Policy overrides
	envString("POLICY_MODE", &cfg.Policy.Mode)
	envString("POLICY_BUNDLE_DIR", &cfg.Policy.BundleDir)
	envBool("POLICY_WATCH", &cfg.Policy.Watch)
	envBool("POLICY_VALIDATION_STRICT", &cfg.Policy.Validation.Strict)
	envString("POLICY_GIT_REPOSITORY", &cfg.Policy.Git.Repository)
	envString("POLICY_GIT_BRANCH", &cfg.Policy.Git.Branch)
	envString("POLICY_GIT_PATH", &cfg.Policy.Git.Path)
	envString("POLICY_GIT_AUTH_TYPE", &cfg.Policy.Git.Auth.Type)
	envString("POLICY_GIT_AUTH_TOKEN", &cfg.Policy.Git.Auth.Token)
	envString("POLICY_GIT_AUTH_SSH_KEY_PATH", &cfg.Policy.Git.Auth.SSHKeyPath)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	if val, ok := lookup("TELEMETRY_METRICS_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = &b
		}
	}
	envString("TELEMETRY_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

func lookup(name string) (string, bool) {
	val := os.Getenv(EnvPrefix + name)
	return val, val != ""
}

func envString(name string, dst *string) {
	if val, ok := lookup(name); ok {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val, ok := lookup(name); ok {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val, ok := lookup(name); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val, ok := lookup(name); ok {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
