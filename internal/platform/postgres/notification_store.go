package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/store"
)

// errNotificationExists signals an idempotent repeat inside Append so the
// sequence increment is rolled back.
var errNotificationExists = errors.New("notification already recorded")

const notificationColumns = `owner_id, sequence, task_id, status, summary, created_at, read_at`

// PostgresNotificationStore implements store.NotificationStore using PostgreSQL.
// Sequences come from a per-owner counter row whose lock serializes appends
// for the same owner.
type PostgresNotificationStore struct {
	db *sql.DB
}

var _ store.NotificationStore = (*PostgresNotificationStore)(nil)

// NewPostgresNotificationStore creates a new PostgresNotificationStore
func NewPostgresNotificationStore(db *sql.DB) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

// Append implements store.NotificationStore.
func (s *PostgresNotificationStore) Append(ctx context.Context, n *domain.Notification) (bool, error) {
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO notification_counters (owner_id, last_sequence)
			VALUES ($1, 1)
			ON CONFLICT (owner_id)
			DO UPDATE SET last_sequence = notification_counters.last_sequence + 1
			RETURNING last_sequence
		`, n.OwnerID).Scan(&seq)
		if err != nil {
			return store.NewStoreError("notification", "append", "failed to allocate sequence", MapError(err))
		}

		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM notifications
				WHERE owner_id = $1 AND task_id = $2 AND status = $3
			)
		`, n.OwnerID, n.TaskID, n.Status).Scan(&exists)
		if err != nil {
			return store.NewStoreError("notification", "append", "failed to check for duplicate", MapError(err))
		}
		if exists {
			return errNotificationExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifications (`+notificationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, NULL)
		`, n.OwnerID, seq, n.TaskID, n.Status, n.Summary, n.CreatedAt.UTC())
		if IsUniqueViolation(err) {
			// Recorded by a concurrent transaction that held no counter lock
			// when this one checked.
			return errNotificationExists
		}
		if err != nil {
			return store.NewStoreError("notification", "append", "failed to insert notification", MapError(err))
		}

		n.Sequence = seq
		return nil
	})

	if errors.Is(err, errNotificationExists) {
		existing, getErr := s.get(ctx, n.OwnerID, n.TaskID, n.Status)
		if getErr != nil {
			return false, getErr
		}
		*n = *existing
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UnreadCount implements store.NotificationStore.
func (s *PostgresNotificationStore) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE owner_id = $1 AND read_at IS NULL
	`, ownerID).Scan(&count)
	if err != nil {
		return 0, store.NewStoreError("notification", "unread_count", "failed to count notifications", MapError(err))
	}
	return count, nil
}

// Backlog implements store.NotificationStore.
func (s *PostgresNotificationStore) Backlog(
	ctx context.Context,
	ownerID string,
	afterSequence int64,
	limit int,
) ([]*domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE owner_id = $1 AND sequence > $2 AND read_at IS NULL
		ORDER BY sequence ASC
		LIMIT $3
	`, ownerID, afterSequence, limit)
	if err != nil {
		return nil, store.NewStoreError("notification", "backlog", "failed to query notifications", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, store.NewStoreError("notification", "backlog", "failed to scan notification", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("notification", "backlog", "error iterating notifications", err)
	}
	return out, nil
}

// LatestSequence implements store.NotificationStore.
func (s *PostgresNotificationStore) LatestSequence(ctx context.Context, ownerID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM notifications WHERE owner_id = $1
	`, ownerID).Scan(&seq)
	if err != nil {
		return 0, store.NewStoreError("notification", "latest_sequence", "failed to read sequence", MapError(err))
	}
	return seq, nil
}

// MarkRead implements store.NotificationStore.
func (s *PostgresNotificationStore) MarkRead(ctx context.Context, ownerID string, taskID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = $3
		WHERE owner_id = $1 AND task_id = $2 AND read_at IS NULL
	`, ownerID, taskID, time.Now().UTC())
	if err != nil {
		return 0, store.NewStoreError("notification", "mark_read", "failed to mark notification read", MapError(err))
	}
	return rowsAffected(res)
}

// MarkAllRead implements store.NotificationStore.
func (s *PostgresNotificationStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = $2
		WHERE owner_id = $1 AND read_at IS NULL
	`, ownerID, time.Now().UTC())
	if err != nil {
		return 0, store.NewStoreError("notification", "mark_all_read", "failed to mark notifications read", MapError(err))
	}
	return rowsAffected(res)
}

func (s *PostgresNotificationStore) get(
	ctx context.Context,
	ownerID string,
	taskID uuid.UUID,
	status domain.TaskStatus,
) (*domain.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE owner_id = $1 AND task_id = $2 AND status = $3
	`, ownerID, taskID, status)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotificationNotFound
		}
		return nil, store.NewStoreError("notification", "get", "failed to load notification", MapError(err))
	}
	return n, nil
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var (
		n      domain.Notification
		readAt sql.NullTime
	)
	if err := row.Scan(&n.OwnerID, &n.Sequence, &n.TaskID, &n.Status, &n.Summary, &n.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	n.ReadAt = timePtr(readAt)
	return &n, nil
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
