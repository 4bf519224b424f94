package override

import "mercator-hq/aegis/internal/sqlstore"

// sqliteSchema creates the override tables on SQLite. Records can only be
// closed once and never deleted.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policy_override_authority (
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    override_allowed BOOLEAN NOT NULL DEFAULT 0,
    allowed_roles TEXT NOT NULL DEFAULT '[]',
    requires_reason BOOLEAN NOT NULL DEFAULT 0,
    max_duration_ns INTEGER NOT NULL DEFAULT 0,
    max_overrides_per_day INTEGER NOT NULL DEFAULT 0,
    currently_overridden BOOLEAN NOT NULL DEFAULT 0,
    override_started_at INTEGER,
    override_expires_at INTEGER,
    override_by TEXT NOT NULL DEFAULT '',
    override_reason TEXT NOT NULL DEFAULT '',
    active_record_id TEXT NOT NULL DEFAULT '',
    overrides_today INTEGER NOT NULL DEFAULT 0,
    counter_day TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (tenant_id, policy_id)
);

CREATE INDEX IF NOT EXISTS idx_override_authority_overridden
    ON policy_override_authority(currently_overridden);

CREATE TABLE IF NOT EXISTS policy_override_records (
    record_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    override_by TEXT NOT NULL,
    role TEXT NOT NULL,
    reason TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    ended_at INTEGER,
    was_manually_ended BOOLEAN NOT NULL DEFAULT 0,
    ended_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_override_records_policy
    ON policy_override_records(tenant_id, policy_id, started_at);

CREATE TRIGGER IF NOT EXISTS policy_override_records_core_immutable
BEFORE UPDATE OF record_id, tenant_id, policy_id, override_by, role, reason, started_at, expires_at
ON policy_override_records
BEGIN
    SELECT RAISE(ABORT, 'immutable override record field');
END;

CREATE TRIGGER IF NOT EXISTS policy_override_records_end_once
BEFORE UPDATE OF ended_at, was_manually_ended, ended_by ON policy_override_records
WHEN OLD.ended_at IS NOT NULL
BEGIN
    SELECT RAISE(ABORT, 'override record already ended');
END;

CREATE TRIGGER IF NOT EXISTS policy_override_records_no_delete
BEFORE DELETE ON policy_override_records
BEGIN
    SELECT RAISE(ABORT, 'override records are append-only');
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS policy_override_authority (
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    override_allowed BOOLEAN NOT NULL DEFAULT FALSE,
    allowed_roles TEXT NOT NULL DEFAULT '[]',
    requires_reason BOOLEAN NOT NULL DEFAULT FALSE,
    max_duration_ns BIGINT NOT NULL DEFAULT 0,
    max_overrides_per_day INTEGER NOT NULL DEFAULT 0,
    currently_overridden BOOLEAN NOT NULL DEFAULT FALSE,
    override_started_at BIGINT,
    override_expires_at BIGINT,
    override_by TEXT NOT NULL DEFAULT '',
    override_reason TEXT NOT NULL DEFAULT '',
    active_record_id TEXT NOT NULL DEFAULT '',
    overrides_today INTEGER NOT NULL DEFAULT 0,
    counter_day TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (tenant_id, policy_id)
);

CREATE INDEX IF NOT EXISTS idx_override_authority_overridden
    ON policy_override_authority(currently_overridden);

CREATE TABLE IF NOT EXISTS policy_override_records (
    record_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    policy_id TEXT NOT NULL,
    override_by TEXT NOT NULL,
    role TEXT NOT NULL,
    reason TEXT NOT NULL,
    started_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL,
    ended_at BIGINT,
    was_manually_ended BOOLEAN NOT NULL DEFAULT FALSE,
    ended_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_override_records_policy
    ON policy_override_records(tenant_id, policy_id, started_at);

CREATE OR REPLACE FUNCTION policy_override_records_guard() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        RAISE EXCEPTION 'override records are append-only';
    END IF;
    IF NEW.record_id IS DISTINCT FROM OLD.record_id
        OR NEW.tenant_id IS DISTINCT FROM OLD.tenant_id
        OR NEW.policy_id IS DISTINCT FROM OLD.policy_id
        OR NEW.override_by IS DISTINCT FROM OLD.override_by
        OR NEW.role IS DISTINCT FROM OLD.role
        OR NEW.reason IS DISTINCT FROM OLD.reason
        OR NEW.started_at IS DISTINCT FROM OLD.started_at
        OR NEW.expires_at IS DISTINCT FROM OLD.expires_at THEN
        RAISE EXCEPTION 'immutable override record field';
    END IF;
    IF OLD.ended_at IS NOT NULL THEN
        RAISE EXCEPTION 'override record already ended';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS policy_override_records_guard ON policy_override_records;
CREATE TRIGGER policy_override_records_guard
    BEFORE UPDATE OR DELETE ON policy_override_records
    FOR EACH ROW EXECUTE FUNCTION policy_override_records_guard();
`

func schemaFor(d sqlstore.Dialect) string {
	if d == sqlstore.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
