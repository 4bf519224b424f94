// Package sqlstore opens the SQL databases behind the snapshot and override
// stores and papers over the differences between SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Valid reports whether d is supported.
func (d Dialect) Valid() bool {
	return d == SQLite || d == Postgres
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLiteConfig configures an SQLite database.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// OpenSQLite opens an SQLite database in WAL mode with a single writer.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// PostgresConfig configures a PostgreSQL connection pool.
type PostgresConfig struct {
	DSN string

	// MaxOpenConns caps the pool. Default: 10
	MaxOpenConns int

	// ConnectTimeout bounds the initial ping. Default: 5 seconds
	ConnectTimeout time.Duration
}

// OpenPostgres opens a PostgreSQL pool through lib/pq.
func OpenPostgres(cfg PostgresConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Open opens a database of the given dialect. For SQLite dsn is a file path.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	switch d {
	case SQLite:
		return OpenSQLite(SQLiteConfig{Path: dsn})
	case Postgres:
		return OpenPostgres(PostgresConfig{DSN: dsn})
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", d)
	}
}

// InTx runs fn in a transaction, committing on success.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Nanos converts t to the integer representation stored in timestamp columns.
func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

// NullNanos converts an optional time for a nullable timestamp column.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// FromNanos converts a stored timestamp back to UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// FromNullNanos converts a nullable stored timestamp.
func FromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}
