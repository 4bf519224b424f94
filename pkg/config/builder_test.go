package config

import "time"

// ConfigBuilder provides a fluent API for building Config instances in tests.
// It starts with default values and allows selective overrides.
type ConfigBuilder struct {
	cfg Config
}

// NewTestConfig creates a ConfigBuilder with every default applied and
// in-memory storage, so the result is valid without touching disk.
func NewTestConfig() *ConfigBuilder {
	cfg := Config{}
	cfg.Snapshot.Backend = "memory"
	cfg.Override.Backend = "memory"
	cfg.Audit.Backend = "memory"
	ApplyDefaults(&cfg)
	return &ConfigBuilder{cfg: cfg}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return &b.cfg
}

// WithWorkers sets the worker count.
func (b *ConfigBuilder) WithWorkers(n int) *ConfigBuilder {
	b.cfg.Governance.Workers = n
	return b
}

// WithFailureMode sets the default failure mode.
func (b *ConfigBuilder) WithFailureMode(mode string) *ConfigBuilder {
	b.cfg.Governance.DefaultFailureMode = mode
	return b
}

// WithGovernanceTimeout sets the reconciliation timeout.
func (b *ConfigBuilder) WithGovernanceTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Governance.GovernanceTimeout = d
	return b
}

// WithExpectation appends a declared expectation.
func (b *ConfigBuilder) WithExpectation(domain, action string) *ConfigBuilder {
	b.cfg.Governance.Expectations = append(b.cfg.Governance.Expectations, ExpectationConfig{Domain: domain, Action: action})
	return b
}

// WithRedisLock switches the override lock to Redis.
func (b *ConfigBuilder) WithRedisLock(addr string) *ConfigBuilder {
	b.cfg.Override.Lock.Backend = "redis"
	b.cfg.Override.Lock.RedisAddr = addr
	return b
}

// WithPolicyGitRepo switches the policy source to git.
func (b *ConfigBuilder) WithPolicyGitRepo(repo string) *ConfigBuilder {
	b.cfg.Policy.Mode = "git"
	b.cfg.Policy.Git.Repository = repo
	return b
}

// WithLogLevel sets the logging level.
func (b *ConfigBuilder) WithLogLevel(level string) *ConfigBuilder {
	b.cfg.Telemetry.Logging.Level = level
	return b
}

// WithTracing enables tracing against the given endpoint.
func (b *ConfigBuilder) WithTracing(endpoint string) *ConfigBuilder {
	b.cfg.Telemetry.Tracing.Enabled = true
	b.cfg.Telemetry.Tracing.Endpoint = endpoint
	return b
}
