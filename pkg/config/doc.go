// Package config loads, defaults, and validates the control plane
// configuration.
//
// Configuration is read from YAML and may be overridden by environment
// variables named AEGIS_SECTION_FIELD:
//
//   - AEGIS_GOVERNANCE_WORKERS overrides governance.workers
//   - AEGIS_AUDIT_BACKEND overrides audit.backend
//   - AEGIS_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// Values are applied in order: YAML file, defaults for anything unset,
// environment overrides, then validation. Validation collects every problem
// into a single ValidationError.
//
// Secret-bearing fields (DSNs, Redis password, git credentials) may be written
// as ${VAR} and are expanded from the environment at load time.
//
// The package holds plain data only. Components translate the sections they
// need into their own option types.
package config
