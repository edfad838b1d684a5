package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskRecordColumnNames = []string{
	"id", "resource_fingerprint", "kind", "queue_class", "priority", "status", "params",
	"provider_handle", "provider", "attempt_count", "max_attempts", "poll_count",
	"created_at", "updated_at", "available_at", "next_poll_at", "poll_deadline_at",
	"result", "error", "owner_id",
}

func recordRow(rec *domain.TaskRecord) []driver.Value {
	var handle any
	if rec.ProviderHandle != "" {
		handle = rec.ProviderHandle
	}
	return []driver.Value{
		rec.ID.String(), rec.ResourceFingerprint, string(rec.Kind), string(rec.QueueClass),
		int64(rec.Priority), string(rec.Status), []byte(`{"prompt":"fox"}`),
		handle, rec.Provider, int64(rec.AttemptCount), int64(rec.MaxAttempts), int64(rec.PollCount),
		rec.CreatedAt, rec.UpdatedAt, nil, nil, nil,
		nil, nil, rec.OwnerID,
	}
}

func newMockStore(t *testing.T) (*PostgresTaskRecordStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresTaskRecordStore(db), mock
}

func testRecord(t *testing.T) *domain.TaskRecord {
	t.Helper()
	rec, err := domain.NewTaskRecord(domain.KindVideo, "owner-1", "vid-42", []byte(`{"prompt":"fox"}`), 5, 3)
	require.NoError(t, err)
	return rec
}

func TestPostgresTaskRecordStore_CreateConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	existing := testRecord(t)
	existing.Status = domain.TaskStatusProcessing

	mock.ExpectExec("INSERT INTO task_records").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: activeFingerprintIndex})
	mock.ExpectQuery("SELECT .+ FROM task_records\\s+WHERE resource_fingerprint = \\$1").
		WithArgs("vid-42").
		WillReturnRows(sqlmock.NewRows(taskRecordColumnNames).AddRow(recordRow(existing)...))

	err := s.Create(ctx, testRecord(t))

	var conflict *store.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	require.NotNil(t, conflict.Existing)
	assert.Equal(t, existing.ID, conflict.Existing.ID)
	assert.Equal(t, domain.TaskStatusProcessing, conflict.Existing.Status)
	assert.JSONEq(t, `{"prompt":"fox"}`, string(conflict.Existing.Params))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_CreateOtherError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO task_records").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "task_records_pkey"})

	err := s.Create(context.Background(), testRecord(t))
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NotErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_GetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord(t)

	mock.ExpectQuery("SELECT .+ FROM task_records WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(taskRecordColumnNames))

	_, err := s.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrTaskRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_TransitionStale(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord(t)
	rec.Status = domain.TaskStatusProcessing

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM task_records WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(taskRecordColumnNames).AddRow(recordRow(rec)...))
	mock.ExpectRollback()

	_, err := s.Transition(context.Background(), rec.ID,
		domain.TaskStatusQueued, domain.TaskStatusProcessing, store.TransitionFields{})

	var stale *store.StaleStateError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, domain.TaskStatusProcessing, stale.Actual)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_TransitionSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	rec := testRecord(t)
	rec.Status = domain.TaskStatusProcessing
	next := time.Now().Add(30 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(taskRecordColumnNames).AddRow(recordRow(rec)...))
	mock.ExpectExec("UPDATE task_records").
		WithArgs(rec.ID, domain.TaskStatusProcessing, domain.TaskStatusAwaitingProvider,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := s.Transition(context.Background(), rec.ID,
		domain.TaskStatusProcessing, domain.TaskStatusAwaitingProvider, store.TransitionFields{
			ProviderHandle: store.StringPtr("operations/abc"),
			NextPollAt:     &next,
		})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAwaitingProvider, updated.Status)
	assert.Equal(t, "operations/abc", updated.ProviderHandle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_ListUpdatedSince(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	rec := testRecord(t)
	rec.Status = domain.TaskStatusCompleted
	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

	mock.ExpectQuery("SELECT .+ FROM task_records\\s+WHERE status = \\$1 AND updated_at >= \\$2\\s+ORDER BY updated_at ASC").
		WithArgs("completed", since.UTC()).
		WillReturnRows(sqlmock.NewRows(taskRecordColumnNames).AddRow(recordRow(rec)...))

	recs, err := s.ListUpdatedSince(ctx, domain.TaskStatusCompleted, since)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.Equal(t, domain.TaskStatusCompleted, recs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRecordStore_ListUpdatedSinceQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM task_records").
		WillReturnError(errors.New("connection reset"))

	_, err := s.ListUpdatedSince(context.Background(), domain.TaskStatusFailed, time.Now())
	var storeErr *store.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "list", storeErr.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}
