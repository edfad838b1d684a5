package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/platform/logger"
	"github.com/phrazzld/genflow/internal/store"
)

// activeFingerprintIndex is the partial unique index enforcing one active
// record per resource fingerprint.
const activeFingerprintIndex = "task_records_active_fingerprint_idx"

const taskRecordColumns = `
	id, resource_fingerprint, kind, queue_class, priority, status, params,
	provider_handle, provider, attempt_count, max_attempts, poll_count,
	created_at, updated_at, available_at, next_poll_at, poll_deadline_at,
	result, error, owner_id`

// PostgresTaskRecordStore implements the store.TaskRecordStore interface
// using PostgreSQL.
type PostgresTaskRecordStore struct {
	db store.DBTX
}

var _ store.TaskRecordStore = (*PostgresTaskRecordStore)(nil)

// NewPostgresTaskRecordStore creates a new PostgresTaskRecordStore
func NewPostgresTaskRecordStore(db store.DBTX) *PostgresTaskRecordStore {
	return &PostgresTaskRecordStore{db: db}
}

// WithTx returns a new store that runs every statement on tx.
func (s *PostgresTaskRecordStore) WithTx(tx *sql.Tx) *PostgresTaskRecordStore {
	return &PostgresTaskRecordStore{db: tx}
}

// Create implements store.TaskRecordStore.
func (s *PostgresTaskRecordStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	log := logger.FromContext(ctx)

	if err := rec.Validate(); err != nil {
		return store.NewStoreError("task_record", "create", err.Error(), store.ErrInvalidEntity)
	}

	params, result, errDetail, err := encodeJSONColumns(rec)
	if err != nil {
		return store.NewStoreError("task_record", "create", "failed to encode record", err)
	}

	query := `
		INSERT INTO task_records (` + taskRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ResourceFingerprint,
		rec.Kind,
		rec.QueueClass,
		rec.Priority,
		rec.Status,
		params,
		nullString(rec.ProviderHandle),
		rec.Provider,
		rec.AttemptCount,
		rec.MaxAttempts,
		rec.PollCount,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTime(rec.AvailableAt),
		nullTime(rec.NextPollAt),
		nullTime(rec.PollDeadlineAt),
		result,
		errDetail,
		rec.OwnerID,
	)
	if err == nil {
		return nil
	}

	if IsActiveFingerprintViolation(err) {
		existing, getErr := s.GetActiveByFingerprint(ctx, rec.ResourceFingerprint)
		if getErr != nil {
			// The holder finished between the insert and the lookup.
			log.Warn("active fingerprint holder vanished after conflict",
				"resource_fingerprint", rec.ResourceFingerprint,
				"error", getErr)
			return &store.ConflictError{Fingerprint: rec.ResourceFingerprint}
		}
		return &store.ConflictError{Fingerprint: rec.ResourceFingerprint, Existing: existing}
	}

	log.Error("failed to create task record",
		"task_id", rec.ID,
		"kind", rec.Kind,
		"error", err)
	return store.NewStoreError("task_record", "create", "failed to insert task record", MapError(err))
}

// Get implements store.TaskRecordStore.
func (s *PostgresTaskRecordStore) Get(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskRecordColumns + ` FROM task_records WHERE id = $1`
	rec, err := scanTaskRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskRecordNotFound
		}
		return nil, store.NewStoreError("task_record", "get", "failed to load task record", MapError(err))
	}
	return rec, nil
}

// GetActiveByFingerprint implements store.TaskRecordStore.
func (s *PostgresTaskRecordStore) GetActiveByFingerprint(
	ctx context.Context,
	fingerprint string,
) (*domain.TaskRecord, error) {
	query := `
		SELECT ` + taskRecordColumns + `
		FROM task_records
		WHERE resource_fingerprint = $1
		  AND status IN ('queued', 'processing', 'awaiting_provider')
	`
	rec, err := scanTaskRecord(s.db.QueryRowContext(ctx, query, fingerprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskRecordNotFound
		}
		return nil, store.NewStoreError("task_record", "get_active", "failed to load task record", MapError(err))
	}
	return rec, nil
}

// Transition implements store.TaskRecordStore. The row is locked for the
// duration of the check-and-update so that concurrent transitions on the
// same record serialize.
func (s *PostgresTaskRecordStore) Transition(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	next domain.TaskStatus,
	fields store.TransitionFields,
) (*domain.TaskRecord, error) {
	var updated *domain.TaskRecord

	err := s.inTx(ctx, func(ctx context.Context, q store.DBTX) error {
		query := `SELECT ` + taskRecordColumns + ` FROM task_records WHERE id = $1 FOR UPDATE`
		rec, err := scanTaskRecord(q.QueryRowContext(ctx, query, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrTaskRecordNotFound
			}
			return store.NewStoreError("task_record", "transition", "failed to lock task record", MapError(err))
		}

		if err := store.ApplyTransition(rec, expected, next, fields, time.Now()); err != nil {
			return err
		}

		_, result, errDetail, err := encodeJSONColumns(rec)
		if err != nil {
			return store.NewStoreError("task_record", "transition", "failed to encode record", err)
		}

		update := `
			UPDATE task_records
			SET status = $3, provider_handle = $4, provider = $5, attempt_count = $6,
			    poll_count = $7, updated_at = $8, available_at = $9, next_poll_at = $10,
			    poll_deadline_at = $11, result = $12, error = $13
			WHERE id = $1 AND status = $2
		`
		res, err := q.ExecContext(ctx, update,
			rec.ID,
			expected,
			rec.Status,
			nullString(rec.ProviderHandle),
			rec.Provider,
			rec.AttemptCount,
			rec.PollCount,
			rec.UpdatedAt,
			nullTime(rec.AvailableAt),
			nullTime(rec.NextPollAt),
			nullTime(rec.PollDeadlineAt),
			result,
			errDetail,
		)
		if err != nil {
			return store.NewStoreError("task_record", "transition", "failed to update task record", MapError(err))
		}
		if err := CheckRowsAffected(res, "task record"); err != nil {
			return store.NewStoreError("task_record", "transition", "row changed under lock", store.ErrUpdateFailed)
		}

		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByStatus implements store.TaskRecordStore.
func (s *PostgresTaskRecordStore) ListByStatus(
	ctx context.Context,
	status domain.TaskStatus,
	olderThan time.Duration,
) ([]*domain.TaskRecord, error) {
	query := `SELECT ` + taskRecordColumns + ` FROM task_records WHERE status = $1`
	args := []any{status}
	if olderThan > 0 {
		query += ` AND updated_at < $2`
		args = append(args, time.Now().UTC().Add(-olderThan))
	}
	query += ` ORDER BY updated_at ASC`

	return s.list(ctx, status, query, args...)
}

// ListUpdatedSince implements store.TaskRecordStore.
func (s *PostgresTaskRecordStore) ListUpdatedSince(
	ctx context.Context,
	status domain.TaskStatus,
	since time.Time,
) ([]*domain.TaskRecord, error) {
	return s.list(ctx, status, `
		SELECT `+taskRecordColumns+`
		FROM task_records
		WHERE status = $1 AND updated_at >= $2
		ORDER BY updated_at ASC
	`, status, since.UTC())
}

func (s *PostgresTaskRecordStore) list(
	ctx context.Context,
	status domain.TaskStatus,
	query string,
	args ...any,
) ([]*domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query task records by status",
			"status", status,
			"error", err)
		return nil, store.NewStoreError("task_record", "list", "failed to query task records", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TaskRecord
	for rows.Next() {
		rec, err := scanTaskRecord(rows)
		if err != nil {
			return nil, store.NewStoreError("task_record", "list", "failed to scan task record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task_record", "list", "error iterating task records", err)
	}
	return out, nil
}

// inTx runs fn in a transaction, or directly when the store is already
// bound to one.
func (s *PostgresTaskRecordStore) inTx(ctx context.Context, fn func(ctx context.Context, q store.DBTX) error) error {
	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			return fn(ctx, tx)
		})
	}
	return fn(ctx, s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRecord(row rowScanner) (*domain.TaskRecord, error) {
	var (
		rec            domain.TaskRecord
		params         []byte
		handle         sql.NullString
		availableAt    sql.NullTime
		nextPollAt     sql.NullTime
		pollDeadlineAt sql.NullTime
		result         []byte
		errDetail      []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.ResourceFingerprint,
		&rec.Kind,
		&rec.QueueClass,
		&rec.Priority,
		&rec.Status,
		&params,
		&handle,
		&rec.Provider,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&rec.PollCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&availableAt,
		&nextPollAt,
		&pollDeadlineAt,
		&result,
		&errDetail,
		&rec.OwnerID,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		rec.Params = json.RawMessage(params)
	}
	rec.ProviderHandle = handle.String
	rec.AvailableAt = timePtr(availableAt)
	rec.NextPollAt = timePtr(nextPollAt)
	rec.PollDeadlineAt = timePtr(pollDeadlineAt)
	if len(result) > 0 {
		rec.Result = &domain.Result{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}
	if len(errDetail) > 0 {
		rec.Error = &domain.ErrorDetail{}
		if err := json.Unmarshal(errDetail, rec.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error detail: %w", err)
		}
	}
	return &rec, nil
}

func encodeJSONColumns(rec *domain.TaskRecord) (params, result, errDetail []byte, err error) {
	if len(rec.Params) > 0 {
		params = rec.Params
	} else {
		params = []byte("{}")
	}
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return nil, nil, nil, err
		}
	}
	if rec.Error != nil {
		if errDetail, err = json.Marshal(rec.Error); err != nil {
			return nil, nil, nil, err
		}
	}
	return params, result, errDetail, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
