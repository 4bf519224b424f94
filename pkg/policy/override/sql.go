package override

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mercator-hq/aegis/internal/sqlstore"
)

// SQLStore is a Store backed by SQLite or PostgreSQL. Triggers reject any
// update of a record's core fields, a second end, and deletes.
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if !dialect.Valid() {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// OpenSQLStore opens a database of the given dialect and migrates it.
func OpenSQLStore(ctx context.Context, dialect sqlstore.Dialect, dsn string) (*SQLStore, error) {
	db, err := sqlstore.Open(dialect, dsn)
	if err != nil {
		return nil, &StorageError{Backend: string(dialect), Operation: "open", Cause: err}
	}
	s, err := NewSQLStore(db, dialect)
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

// Migrate creates the tables and triggers if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaFor(s.dialect)); err != nil {
		return s.storageErr("migrate", err)
	}
	return nil
}

// DB exposes the underlying database for maintenance tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) storageErr(op string, err error) error {
	return &StorageError{Backend: string(s.dialect), Operation: op, Cause: err}
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

const authorityColumns = `tenant_id, policy_id, override_allowed, allowed_roles, requires_reason,
    max_duration_ns, max_overrides_per_day, currently_overridden, override_started_at,
    override_expires_at, override_by, override_reason, active_record_id, overrides_today, counter_day`

const recordColumns = `record_id, tenant_id, policy_id, override_by, role, reason, started_at,
    expires_at, ended_at, was_manually_ended, ended_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthority(row rowScanner) (*Authority, error) {
	var (
		a                Authority
		roles            string
		maxDuration      int64
		started, expires sql.NullInt64
	)
	if err := row.Scan(&a.TenantID, &a.PolicyID, &a.OverrideAllowed, &roles, &a.RequiresReason,
		&maxDuration, &a.MaxOverridesPerDay, &a.CurrentlyOverridden, &started, &expires,
		&a.By, &a.Reason, &a.ActiveRecordID, &a.OverridesToday, &a.CounterDay); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &a.AllowedRoles); err != nil {
		return nil, fmt.Errorf("decode allowed_roles: %w", err)
	}
	a.MaxDuration = time.Duration(maxDuration)
	a.StartedAt = sqlstore.FromNullNanos(started)
	a.ExpiresAt = sqlstore.FromNullNanos(expires)
	return &a, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                Record
		started, expires int64
		ended            sql.NullInt64
	)
	if err := row.Scan(&r.RecordID, &r.TenantID, &r.PolicyID, &r.OverrideBy, &r.Role, &r.Reason,
		&started, &expires, &ended, &r.WasManuallyEnded, &r.EndedBy); err != nil {
		return nil, err
	}
	r.StartedAt = sqlstore.FromNanos(started)
	r.ExpiresAt = sqlstore.FromNanos(expires)
	r.EndedAt = sqlstore.FromNullNanos(ended)
	return &r, nil
}

// PutConfig implements Store.
func (s *SQLStore) PutConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	roles, err := json.Marshal(append([]string{}, cfg.AllowedRoles...))
	if err != nil {
		return s.storageErr("put_config", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
        INSERT INTO policy_override_authority
            (tenant_id, policy_id, override_allowed, allowed_roles, requires_reason, max_duration_ns, max_overrides_per_day)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (tenant_id, policy_id) DO UPDATE SET
            override_allowed = excluded.override_allowed,
            allowed_roles = excluded.allowed_roles,
            requires_reason = excluded.requires_reason,
            max_duration_ns = excluded.max_duration_ns,
            max_overrides_per_day = excluded.max_overrides_per_day`),
		cfg.TenantID, cfg.PolicyID, cfg.OverrideAllowed, string(roles), cfg.RequiresReason,
		int64(cfg.MaxDuration), cfg.MaxOverridesPerDay)
	if err != nil {
		return s.storageErr("put_config", err)
	}
	return nil
}

// GetAuthority implements Store.
func (s *SQLStore) GetAuthority(ctx context.Context, tenantID, policyID string) (*Authority, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+authorityColumns+`
        FROM policy_override_authority WHERE tenant_id = ? AND policy_id = ?`), tenantID, policyID)
	a, err := scanAuthority(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("get_authority", err)
	}
	return a, nil
}

func (s *SQLStore) listAuthorities(ctx context.Context, op, where string, args ...any) ([]*Authority, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+authorityColumns+`
        FROM policy_override_authority WHERE `+where+` ORDER BY tenant_id, policy_id`), args...)
	if err != nil {
		return nil, s.storageErr(op, err)
	}
	defer rows.Close()

	var out []*Authority
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, s.storageErr(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr(op, err)
	}
	return out, nil
}

// ListAuthorities implements Store.
func (s *SQLStore) ListAuthorities(ctx context.Context, tenantID string) ([]*Authority, error) {
	return s.listAuthorities(ctx, "list_authorities", "tenant_id = ?", tenantID)
}

// ListOverridden implements Store.
func (s *SQLStore) ListOverridden(ctx context.Context) ([]*Authority, error) {
	return s.listAuthorities(ctx, "list_overridden", "currently_overridden = ?", true)
}

func (s *SQLStore) saveState(ctx context.Context, tx *sql.Tx, a *Authority) error {
	res, err := tx.ExecContext(ctx, s.q(`
        UPDATE policy_override_authority SET
            currently_overridden = ?, override_started_at = ?, override_expires_at = ?,
            override_by = ?, override_reason = ?, active_record_id = ?,
            overrides_today = ?, counter_day = ?
        WHERE tenant_id = ? AND policy_id = ?`),
		a.CurrentlyOverridden, sqlstore.NullNanos(a.StartedAt), sqlstore.NullNanos(a.ExpiresAt),
		a.By, a.Reason, a.ActiveRecordID, a.OverridesToday, a.CounterDay,
		a.TenantID, a.PolicyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitActivation implements Store.
func (s *SQLStore) CommitActivation(ctx context.Context, a *Authority, r *Record) error {
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO policy_override_records (`+recordColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, '')`),
			r.RecordID, r.TenantID, r.PolicyID, r.OverrideBy, r.Role, r.Reason,
			sqlstore.Nanos(r.StartedAt), sqlstore.Nanos(r.ExpiresAt), false); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return s.saveState(ctx, tx, a)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return s.storageErr("commit_activation", err)
	}
	return nil
}

// errAlreadyEnded signals a record whose ended fields are already set.
var errAlreadyEnded = errors.New("record already ended")

// CommitEnd implements Store.
func (s *SQLStore) CommitEnd(ctx context.Context, a *Authority, recordID string, end End) error {
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if recordID != "" {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE policy_override_records
                SET ended_at = ?, was_manually_ended = ?, ended_by = ?
                WHERE record_id = ? AND ended_at IS NULL`),
				sqlstore.Nanos(end.At), end.Manual, end.By, recordID)
			if err != nil {
				return fmt.Errorf("end record: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				var exists int
				err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM policy_override_records WHERE record_id = ?`), recordID).Scan(&exists)
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				if err != nil {
					return err
				}
				return errAlreadyEnded
			}
		}
		return s.saveState(ctx, tx, a)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, errAlreadyEnded):
		return &ImmutabilityViolationError{RecordID: recordID, Field: "ended_at"}
	default:
		return s.storageErr("commit_end", err)
	}
}

// ResetDailyCounters implements Store.
func (s *SQLStore) ResetDailyCounters(ctx context.Context, day string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE policy_override_authority
        SET overrides_today = 0, counter_day = ? WHERE counter_day <> ?`), day, day)
	if err != nil {
		return 0, s.storageErr("reset_counters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.storageErr("reset_counters", err)
	}
	return int(n), nil
}

// GetRecord implements Store.
func (s *SQLStore) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+`
        FROM policy_override_records WHERE record_id = ?`), recordID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("get_record", err)
	}
	return r, nil
}

// Records implements Store.
func (s *SQLStore) Records(ctx context.Context, tenantID, policyID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+`
        FROM policy_override_records WHERE tenant_id = ? AND policy_id = ?
        ORDER BY started_at, record_id`), tenantID, policyID)
	if err != nil {
		return nil, s.storageErr("records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.storageErr("records", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("records", err)
	}
	return out, nil
}

// AmendRecord implements Store.
func (s *SQLStore) AmendRecord(ctx context.Context, recordID, field string, _ any) error {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return &ImmutabilityViolationError{RecordID: recordID, Field: field}
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
