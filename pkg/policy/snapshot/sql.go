package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mercator-hq/aegis/internal/sqlstore"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
)

// SQLStore is a Store backed by SQLite or PostgreSQL. Content immutability
// and the archived-only delete rule are enforced by triggers in the
// database as well as in Go, so direct SQL cannot bypass them.
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	clock   clock.Clock
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect, clk clock.Clock) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if !dialect.Valid() {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, clock: clock.OrDefault(clk)}, nil
}

// OpenSQLite opens (or creates) an SQLite database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, clk clock.Clock) (*SQLStore, error) {
	db, err := sqlstore.OpenSQLite(sqlstore.SQLiteConfig{Path: path})
	if err != nil {
		return nil, &StorageError{Backend: "sqlite", Operation: "open", Cause: err}
	}
	return open(ctx, db, sqlstore.SQLite, clk)
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, clk clock.Clock) (*SQLStore, error) {
	db, err := sqlstore.OpenPostgres(sqlstore.PostgresConfig{DSN: dsn})
	if err != nil {
		return nil, &StorageError{Backend: "postgres", Operation: "open", Cause: err}
	}
	return open(ctx, db, sqlstore.Postgres, clk)
}

func open(ctx context.Context, db *sql.DB, d sqlstore.Dialect, clk clock.Clock) (*SQLStore, error) {
	s, err := NewSQLStore(db, d, clk)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables, indexes and guard triggers if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaFor(s.dialect)); err != nil {
		return s.storageErr("migrate", err)
	}
	return nil
}

func (s *SQLStore) storageErr(op string, err error) error {
	return &StorageError{Backend: string(s.dialect), Operation: op, Cause: err}
}

const snapshotColumns = `snapshot_id, tenant_id, version, policies_payload, thresholds_payload,
    content_hash, threshold_hash, status, created_at, superseded_at, archived_at, source_revision`

// Create implements Store. The per-tenant sequence upsert row-locks the
// tenant, so concurrent creates serialize and versions never repeat.
func (s *SQLStore) Create(ctx context.Context, tenantID string, set *policy.Set, thresholds Thresholds, opts ...CreateOption) (*Snapshot, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	content, err := seal(set, thresholds)
	if err != nil {
		return nil, s.storageErr("create", err)
	}
	o := applyCreateOptions(opts)
	now := s.clock.Now().UTC()

	snap := &Snapshot{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		PoliciesPayload:   content.policies,
		ThresholdsPayload: content.thresholds,
		ContentHash:       content.contentHash,
		ThresholdHash:     content.thresholdHash,
		Status:            StatusActive,
		CreatedAt:         now,
		SourceRevision:    o.sourceRevision,
	}

	err = sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
            INSERT INTO policy_snapshot_sequences (tenant_id, last_version) VALUES (?, 1)
            ON CONFLICT (tenant_id) DO UPDATE SET last_version = policy_snapshot_sequences.last_version + 1
            RETURNING last_version`), tenantID)
		if err := row.Scan(&snap.Version); err != nil {
			return fmt.Errorf("next version: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
            UPDATE policy_snapshots SET status = ?, superseded_at = ?
            WHERE tenant_id = ? AND status = ?`),
			string(StatusSuperseded), sqlstore.Nanos(now), tenantID, string(StatusActive)); err != nil {
			return fmt.Errorf("supersede: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
            INSERT INTO policy_snapshots (`+snapshotColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`),
			snap.ID, snap.TenantID, snap.Version,
			string(snap.PoliciesPayload), string(snap.ThresholdsPayload),
			snap.ContentHash, snap.ThresholdHash, string(snap.Status),
			sqlstore.Nanos(snap.CreatedAt), snap.SourceRevision); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.storageErr("create", err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap                 Snapshot
		policies, thresholds string
		status               string
		created              int64
		superseded, archived sql.NullInt64
	)
	if err := row.Scan(&snap.ID, &snap.TenantID, &snap.Version, &policies, &thresholds,
		&snap.ContentHash, &snap.ThresholdHash, &status, &created, &superseded, &archived,
		&snap.SourceRevision); err != nil {
		return nil, err
	}
	snap.PoliciesPayload = []byte(policies)
	snap.ThresholdsPayload = []byte(thresholds)
	snap.Status = Status(status)
	snap.CreatedAt = sqlstore.FromNanos(created)
	snap.SupersededAt = sqlstore.FromNullNanos(superseded)
	snap.ArchivedAt = sqlstore.FromNullNanos(archived)
	return &snap, nil
}

func (s *SQLStore) queryOne(ctx context.Context, op string, notFound error, query string, args ...any) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, s.storageErr(op, err)
	}
	return snap, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	return s.queryOne(ctx, "get", ErrNotFound,
		`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE snapshot_id = ?`, id)
}

// Active implements Store.
func (s *SQLStore) Active(ctx context.Context, tenantID string) (*Snapshot, error) {
	return s.queryOne(ctx, "active", ErrNoActiveSnapshot,
		`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE tenant_id = ? AND status = ?`,
		tenantID, string(StatusActive))
}

// History implements Store.
func (s *SQLStore) History(ctx context.Context, tenantID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT `+snapshotColumns+` FROM policy_snapshots WHERE tenant_id = ? ORDER BY version ASC`), tenantID)
	if err != nil {
		return nil, s.storageErr("history", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, s.storageErr("history", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("history", err)
	}
	return out, nil
}

// Verify implements Store.
func (s *SQLStore) Verify(ctx context.Context, id string) (bool, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	integrity := check(snap)
	if integrity == nil {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE policy_snapshots SET status = ? WHERE snapshot_id = ?`),
		string(StatusInvalid), id); err != nil {
		return false, s.storageErr("verify", err)
	}
	return false, integrity
}

// transition runs a status-guarded statement, reporting a TransitionError
// when it matched no row because the snapshot is in another status.
func (s *SQLStore) transition(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return s.storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.storageErr(op, err)
	}
	if n > 0 {
		return nil
	}
	snap, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{SnapshotID: id, Operation: op, Status: snap.Status}
}

// Archive implements Store.
func (s *SQLStore) Archive(ctx context.Context, id string) error {
	return s.transition(ctx, "archive", id,
		`UPDATE policy_snapshots SET status = ?, archived_at = ? WHERE snapshot_id = ? AND status = ?`,
		string(StatusArchived), sqlstore.Nanos(s.clock.Now()), id, string(StatusSuperseded))
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, "delete", id,
		`DELETE FROM policy_snapshots WHERE snapshot_id = ? AND status = ?`,
		id, string(StatusArchived))
}

// Amend implements Store.
func (s *SQLStore) Amend(ctx context.Context, id, field string, _ any) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return &ImmutabilityViolationError{SnapshotID: id, Field: field}
}

// DB exposes the underlying database for maintenance tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
