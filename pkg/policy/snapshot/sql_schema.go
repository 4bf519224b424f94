package snapshot

import "mercator-hq/aegis/internal/sqlstore"

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// sqliteSchema creates the snapshot tables on SQLite. Timestamps are
// stored as Unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policy_snapshot_sequences (
    tenant_id TEXT PRIMARY KEY,
    last_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_snapshots (
    snapshot_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    policies_payload TEXT NOT NULL,
    thresholds_payload TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    threshold_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    superseded_at INTEGER,
    archived_at INTEGER,
    source_revision TEXT NOT NULL DEFAULT '',
    UNIQUE (tenant_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_snapshots_one_active
    ON policy_snapshots(tenant_id) WHERE status = 'ACTIVE';

CREATE INDEX IF NOT EXISTS idx_policy_snapshots_tenant
    ON policy_snapshots(tenant_id, version);

CREATE TRIGGER IF NOT EXISTS policy_snapshots_immutable
BEFORE UPDATE OF snapshot_id, tenant_id, version, policies_payload, thresholds_payload,
    content_hash, threshold_hash, created_at, source_revision ON policy_snapshots
BEGIN
    SELECT RAISE(ABORT, 'immutable snapshot content');
END;

CREATE TRIGGER IF NOT EXISTS policy_snapshots_delete_archived_only
BEFORE DELETE ON policy_snapshots
WHEN OLD.status <> 'ARCHIVED'
BEGIN
    SELECT RAISE(ABORT, 'only archived snapshots can be deleted');
END;
`

// postgresSchema creates the snapshot tables on PostgreSQL. Payloads are
// TEXT rather than JSONB so stored bytes stay exactly as hashed.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS policy_snapshot_sequences (
    tenant_id TEXT PRIMARY KEY,
    last_version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_snapshots (
    snapshot_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    policies_payload TEXT NOT NULL,
    thresholds_payload TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    threshold_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    superseded_at BIGINT,
    archived_at BIGINT,
    source_revision TEXT NOT NULL DEFAULT '',
    UNIQUE (tenant_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_snapshots_one_active
    ON policy_snapshots(tenant_id) WHERE status = 'ACTIVE';

CREATE INDEX IF NOT EXISTS idx_policy_snapshots_tenant
    ON policy_snapshots(tenant_id, version);

CREATE OR REPLACE FUNCTION policy_snapshots_guard() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        IF OLD.status <> 'ARCHIVED' THEN
            RAISE EXCEPTION 'only archived snapshots can be deleted';
        END IF;
        RETURN OLD;
    END IF;
    IF NEW.snapshot_id IS DISTINCT FROM OLD.snapshot_id
        OR NEW.tenant_id IS DISTINCT FROM OLD.tenant_id
        OR NEW.version IS DISTINCT FROM OLD.version
        OR NEW.policies_payload IS DISTINCT FROM OLD.policies_payload
        OR NEW.thresholds_payload IS DISTINCT FROM OLD.thresholds_payload
        OR NEW.content_hash IS DISTINCT FROM OLD.content_hash
        OR NEW.threshold_hash IS DISTINCT FROM OLD.threshold_hash
        OR NEW.created_at IS DISTINCT FROM OLD.created_at
        OR NEW.source_revision IS DISTINCT FROM OLD.source_revision THEN
        RAISE EXCEPTION 'immutable snapshot content';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS policy_snapshots_guard ON policy_snapshots;
CREATE TRIGGER policy_snapshots_guard
    BEFORE UPDATE OR DELETE ON policy_snapshots
    FOR EACH ROW EXECUTE FUNCTION policy_snapshots_guard();
`

func schemaFor(d sqlstore.Dialect) string {
	if d == sqlstore.Postgres {
		return postgresSchema
	}
	return sqliteSchema
}
