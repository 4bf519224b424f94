package snapshot

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/aegis/internal/sqlstore"
	"mercator-hq/aegis/pkg/clock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLStore(db, sqlstore.Postgres, clock.NewFake(epoch))
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO policy_snapshot_sequences (tenant_id, last_version) VALUES ($1, 1)")).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"last_version"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_snapshots SET status = $1, superseded_at = $2")).
		WithArgs("SUPERSEDED", epoch.UnixNano(), "tenant-a", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_snapshots")).
		WithArgs(sqlmock.AnyArg(), "tenant-a", int64(4), sqlmock.AnyArg(), "{}",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "ACTIVE", epoch.UnixNano(), "rev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snap, err := s.Create(context.Background(), "tenant-a", testSet("r1"), nil, WithSourceRevision("rev-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO policy_snapshot_sequences").
		WillReturnRows(sqlmock.NewRows([]string{"last_version"}).AddRow(2))
	mock.ExpectExec("UPDATE policy_snapshots").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO policy_snapshots").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.Create(context.Background(), "tenant-a", testSet("r1"), nil)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "postgres", storageErr.Backend)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ArchiveFromWrongStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_snapshots SET status = $1, archived_at = $2 WHERE snapshot_id = $3 AND status = $4")).
		WithArgs("ARCHIVED", epoch.UnixNano(), "snap-1", "SUPERSEDED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_snapshots WHERE snapshot_id = $1")).
		WithArgs("snap-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"snapshot_id", "tenant_id", "version", "policies_payload", "thresholds_payload",
			"content_hash", "threshold_hash", "status", "created_at", "superseded_at", "archived_at", "source_revision",
		}).AddRow("snap-1", "tenant-a", 1, "{}", "{}", "h", "t", "ACTIVE", epoch.UnixNano(), nil, nil, ""))

	err := s.Archive(context.Background(), "snap-1")
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, StatusActive, transition.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
