package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	if got := Postgres.Rebind(q); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("Postgres.Rebind() = %q", got)
	}
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("SQLite.Rebind() = %q, want unchanged", got)
	}
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	if got := FromNanos(Nanos(ts)); !got.Equal(ts) {
		t.Errorf("FromNanos(Nanos()) = %v, want %v", got, ts)
	}
	if FromNullNanos(NullNanos(nil)) != nil {
		t.Error("nil time should stay nil")
	}
}

func TestInTx(t *testing.T) {
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "tx.db")})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	boom := errors.New("boom")
	err = InTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled back transaction left %d rows", n)
	}
}

func TestOpen_UnknownDialect(t *testing.T) {
	if _, err := Open(Dialect("oracle"), "x"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}
