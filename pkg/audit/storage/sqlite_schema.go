package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the audit database schema.
// Timestamps are Unix nanoseconds.
const Schema = `
-- Obligations declared at run start
CREATE TABLE IF NOT EXISTS audit_expectations (
    run_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    action TEXT NOT NULL,
    deadline INTEGER NOT NULL,
    PRIMARY KEY (run_id, domain, action)
);

-- Domain acks, append-only
CREATE TABLE IF NOT EXISTS audit_acks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    action TEXT NOT NULL,
    result_id TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    acked_at INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS audit_acks_append_only
BEFORE UPDATE ON audit_acks
BEGIN
    SELECT RAISE(ABORT, 'audit acks are append-only');
END;

-- Threshold signals
CREATE TABLE IF NOT EXISTS threshold_signals (
    signal_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL DEFAULT '',
    policy_id TEXT NOT NULL DEFAULT '',
    snapshot_id TEXT NOT NULL DEFAULT '',
    signal_type TEXT NOT NULL CHECK (signal_type IN ('near', 'breach')),
    metric TEXT NOT NULL,
    current_value REAL NOT NULL,
    threshold_value REAL NOT NULL,
    action_taken TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    acknowledged BOOLEAN NOT NULL DEFAULT 0,
    acknowledged_by TEXT NOT NULL DEFAULT '',
    acknowledged_at INTEGER
);

CREATE TRIGGER IF NOT EXISTS threshold_signals_core_immutable
BEFORE UPDATE OF signal_id, run_id, tenant_id, policy_id, snapshot_id, signal_type, metric,
    current_value, threshold_value, action_taken, created_at ON threshold_signals
BEGIN
    SELECT RAISE(ABORT, 'immutable threshold signal field');
END;

CREATE TRIGGER IF NOT EXISTS threshold_signals_ack_once
BEFORE UPDATE OF acknowledged, acknowledged_by, acknowledged_at ON threshold_signals
WHEN OLD.acknowledged = 1
BEGIN
    SELECT RAISE(ABORT, 'threshold signal already acknowledged');
END;

CREATE TRIGGER IF NOT EXISTS threshold_signals_delete_acknowledged_only
BEFORE DELETE ON threshold_signals
WHEN OLD.acknowledged = 0
BEGIN
    SELECT RAISE(ABORT, 'unacknowledged threshold signals cannot be deleted');
END;

-- Schema version table
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_acks_run ON audit_acks(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_acks_acked_at ON audit_acks(acked_at);
CREATE INDEX IF NOT EXISTS idx_audit_expectations_deadline ON audit_expectations(deadline);
CREATE INDEX IF NOT EXISTS idx_threshold_signals_run ON threshold_signals(run_id);
CREATE INDEX IF NOT EXISTS idx_threshold_signals_tenant ON threshold_signals(tenant_id, created_at);
`

// InsertSchemaVersion inserts the schema version into the schema_version table.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion retrieves the current schema version from the database.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`
