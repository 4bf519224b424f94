package manager

import (
	"time"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/snapshot"
)

// Bundle is the policy material of one tenant as authored in a bundle file.
// Every tenant_id left empty inside the bundle is filled with Tenant.
type Bundle struct {
	Tenant     string              `yaml:"tenant"`
	Policies   []policy.Policy     `yaml:"policies"`
	Scopes     []policy.Scope      `yaml:"scopes"`
	Precedence []policy.Precedence `yaml:"precedence"`
	Thresholds snapshot.Thresholds `yaml:"thresholds,omitempty"`
	Overrides  []override.Config   `yaml:"overrides,omitempty"`

	// Path is the file the bundle was read from.
	Path string `yaml:"-"`
}

// Set returns the bundle's policy set. The set shares slices with b.
func (b *Bundle) Set() *policy.Set {
	return &policy.Set{
		Policies:   b.Policies,
		Scopes:     b.Scopes,
		Precedence: b.Precedence,
	}
}

// LoaderConfig contains configuration for the bundle loader.
type LoaderConfig struct {
	// MaxFileSize is the maximum bundle file size in bytes (default: 10MB)
	MaxFileSize int64

	// Extensions are the bundle file extensions (default: [".yaml", ".yml"])
	Extensions []string

	// SkipHidden skips files and directories starting with a dot (default: true)
	SkipHidden bool
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		MaxFileSize: 10 * 1024 * 1024,
		Extensions:  []string{".yaml", ".yml"},
		SkipHidden:  true,
	}
}

// TenantResult is the outcome of syncing one tenant.
type TenantResult struct {
	Tenant     string
	SnapshotID string
	Version    int64

	// Created is false when the ACTIVE snapshot already held the same
	// content.
	Created bool

	Overrides int
}

// SyncResult is the outcome of one Sync.
type SyncResult struct {
	Revision string
	Tenants  []TenantResult

	// Rejected holds the files skipped in lenient mode.
	Rejected []error

	Duration time.Duration
	At       time.Time
}

// Created returns the tenants that received a new snapshot.
func (r *SyncResult) Created() []string {
	var out []string
	for _, t := range r.Tenants {
		if t.Created {
			out = append(out, t.Tenant)
		}
	}
	return out
}
