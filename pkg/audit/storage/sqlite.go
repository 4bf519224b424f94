package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mercator-hq/aegis/internal/sqlstore"
	"mercator-hq/aegis/pkg/audit"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/audit.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// dsn carries the pragmas in the connection string so every pooled
// connection gets them.
func (c *SQLiteConfig) dsn() string {
	params := []string{fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds())}
	if c.WALMode {
		params = append(params, "_journal_mode=WAL")
	}
	return "file:" + c.Path + "?" + strings.Join(params, "&")
}

// SQLiteStorage implements audit.Store using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens the database and creates the schema.
func NewSQLiteStorage(config *SQLiteConfig) (*SQLiteStorage, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "audit.storage.sqlite")

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStorage{db: db, config: config, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)
	return s, nil
}

func (s *SQLiteStorage) initialize() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return audit.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(InsertSchemaVersion, SchemaVersion); err != nil {
		return audit.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRow(GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return audit.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return audit.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// AddExpectations implements audit.Store.
func (s *SQLiteStorage) AddExpectations(ctx context.Context, runID string, expectations []audit.Expectation) error {
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, e := range expectations {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO audit_expectations (run_id, domain, action, deadline)
				 VALUES (?, ?, ?, ?) ON CONFLICT (run_id, domain, action) DO NOTHING`,
				runID, e.Domain, e.Action, sqlstore.Nanos(e.Deadline))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return audit.NewStorageError("sqlite", "add_expectations", err)
	}
	return nil
}

// AddAck implements audit.Store.
func (s *SQLiteStorage) AddAck(ctx context.Context, runID string, ack audit.DomainAck) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_acks (run_id, domain, action, result_id, error, acked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, ack.Domain, ack.Action, ack.ResultID, ack.Error, sqlstore.Nanos(ack.AckedAt))
	if err != nil {
		return audit.NewStorageError("sqlite", "add_ack", err)
	}
	return nil
}

// Expectations implements audit.Store. Rows come back in declaration order.
func (s *SQLiteStorage) Expectations(ctx context.Context, runID string) ([]audit.Expectation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, action, deadline FROM audit_expectations WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "expectations", err)
	}
	defer rows.Close()

	var out []audit.Expectation
	for rows.Next() {
		e := audit.Expectation{RunID: runID}
		var deadline int64
		if err := rows.Scan(&e.Domain, &e.Action, &deadline); err != nil {
			return nil, audit.NewStorageError("sqlite", "expectations", err)
		}
		e.Deadline = sqlstore.FromNanos(deadline)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "expectations", err)
	}
	return out, nil
}

// Acks implements audit.Store.
func (s *SQLiteStorage) Acks(ctx context.Context, runID string) ([]audit.DomainAck, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, action, result_id, error, acked_at FROM audit_acks WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "acks", err)
	}
	defer rows.Close()

	var out []audit.DomainAck
	for rows.Next() {
		a := audit.DomainAck{RunID: runID}
		var at int64
		if err := rows.Scan(&a.Domain, &a.Action, &a.ResultID, &a.Error, &at); err != nil {
			return nil, audit.NewStorageError("sqlite", "acks", err)
		}
		a.AckedAt = sqlstore.FromNanos(at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "acks", err)
	}
	return out, nil
}

const signalColumns = `signal_id, run_id, tenant_id, policy_id, snapshot_id, signal_type, metric,
	current_value, threshold_value, action_taken, created_at, acknowledged, acknowledged_by, acknowledged_at`

// AddSignal implements audit.Store.
func (s *SQLiteStorage) AddSignal(ctx context.Context, sig *audit.ThresholdSignal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threshold_signals (`+signalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.SignalID, sig.RunID, sig.TenantID, sig.PolicyID, sig.SnapshotID,
		string(sig.Type), sig.Metric, sig.CurrentValue, sig.ThresholdValue, sig.ActionTaken,
		sqlstore.Nanos(sig.CreatedAt), sig.Acknowledged, sig.AcknowledgedBy, sqlstore.NullNanos(sig.AcknowledgedAt))
	if err != nil {
		return audit.NewStorageError("sqlite", "add_signal", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*audit.ThresholdSignal, error) {
	var sig audit.ThresholdSignal
	var typ string
	var created int64
	var acked sql.NullInt64
	err := row.Scan(&sig.SignalID, &sig.RunID, &sig.TenantID, &sig.PolicyID, &sig.SnapshotID,
		&typ, &sig.Metric, &sig.CurrentValue, &sig.ThresholdValue, &sig.ActionTaken,
		&created, &sig.Acknowledged, &sig.AcknowledgedBy, &acked)
	if err != nil {
		return nil, err
	}
	sig.Type = audit.SignalType(typ)
	sig.CreatedAt = sqlstore.FromNanos(created)
	sig.AcknowledgedAt = sqlstore.FromNullNanos(acked)
	return &sig, nil
}

// GetSignal implements audit.Store.
func (s *SQLiteStorage) GetSignal(ctx context.Context, signalID string) (*audit.ThresholdSignal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM threshold_signals WHERE signal_id = ?`, signalID)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "get_signal", err)
	}
	return sig, nil
}

// Signals implements audit.Store.
func (s *SQLiteStorage) Signals(ctx context.Context, q *audit.SignalQuery) ([]*audit.ThresholdSignal, error) {
	if q == nil {
		q = &audit.SignalQuery{}
	}
	query, args := buildSignalQuery(q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, audit.NewStorageError("sqlite", "signals", err)
	}
	defer rows.Close()

	out := []*audit.ThresholdSignal{}
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, audit.NewStorageError("sqlite", "signals", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, audit.NewStorageError("sqlite", "signals", err)
	}
	return out, nil
}

func buildSignalQuery(q *audit.SignalQuery) (string, []any) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if q.RunID != "" {
		add("run_id = ?", q.RunID)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.Type != "" {
		add("signal_type = ?", string(q.Type))
	}
	if q.Metric != "" {
		add("metric = ?", q.Metric)
	}
	if q.Unacknowledged {
		where = append(where, "acknowledged = 0")
	}
	if q.StartTime != nil {
		add("created_at >= ?", sqlstore.Nanos(*q.StartTime))
	}
	if q.EndTime != nil {
		add("created_at <= ?", sqlstore.Nanos(*q.EndTime))
	}

	var b strings.Builder
	b.WriteString("SELECT " + signalColumns + " FROM threshold_signals")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, signal_id")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
		if q.Offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	} else if q.Offset > 0 {
		b.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Offset)
	}
	return b.String(), args
}

// AcknowledgeSignal implements audit.Store.
func (s *SQLiteStorage) AcknowledgeSignal(ctx context.Context, signalID, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threshold_signals SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		 WHERE signal_id = ? AND acknowledged = 0`,
		by, sqlstore.Nanos(at), signalID)
	if err != nil {
		return audit.NewStorageError("sqlite", "acknowledge_signal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return audit.NewStorageError("sqlite", "acknowledge_signal", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSignal(ctx, signalID); err != nil {
		return err
	}
	return &audit.ImmutabilityViolationError{SignalID: signalID, Field: "acknowledged"}
}

// Prune implements audit.Store.
func (s *SQLiteStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := sqlstore.Nanos(before)
	var total int64
	err := sqlstore.InTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM audit_expectations WHERE deadline < ?`,
			`DELETE FROM audit_acks WHERE acked_at < ?`,
			`DELETE FROM threshold_signals WHERE acknowledged = 1 AND created_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, audit.NewStorageError("sqlite", "prune", err)
	}
	s.logger.Debug("pruned audit rows", "before", before, "deleted", total)
	return total, nil
}

// Close implements audit.Store.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
