package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// NotificationStore persists owner-scoped task events so that clients that
// were offline can reconcile their unread count and backlog.
// Version: 1.0
type NotificationStore interface {
	// Append assigns the next per-owner sequence and stores n. An event
	// with the same task ID and status as a stored one is not stored
	// again; inserted reports which case occurred and n is filled from
	// the stored row either way.
	Append(ctx context.Context, n *domain.Notification) (inserted bool, err error)

	// UnreadCount returns the number of unread notifications for owner.
	UnreadCount(ctx context.Context, ownerID string) (int, error)

	// Backlog returns unread notifications with a sequence greater than
	// afterSequence, in sequence order, at most limit entries.
	Backlog(ctx context.Context, ownerID string, afterSequence int64, limit int) ([]*domain.Notification, error)

	// LatestSequence returns the highest sequence assigned to owner, or
	// zero if none has been.
	LatestSequence(ctx context.Context, ownerID string) (int64, error)

	// MarkRead marks every notification of the owner's task as read and
	// returns how many changed. Marking an already-read task is not an error.
	MarkRead(ctx context.Context, ownerID string, taskID uuid.UUID) (int, error)

	// MarkAllRead marks all of the owner's notifications as read.
	MarkAllRead(ctx context.Context, ownerID string) (int, error)
}
