package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validation errors for Notification
var (
	ErrEmptyNotificationOwner = errors.New("notification owner ID cannot be empty")
	ErrEmptyNotificationTask  = errors.New("notification task ID cannot be empty")
)

// Notification is one durable task-state event addressed to an owner.
// Sequence is assigned by the store and increases monotonically per owner.
type Notification struct {
	Sequence  int64      `json:"sequence"`
	OwnerID   string     `json:"owner_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Summary   string     `json:"summary"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// NewNotification builds an unsequenced notification for a task transition.
func NewNotification(ownerID string, taskID uuid.UUID, status TaskStatus, summary string) (*Notification, error) {
	n := &Notification{
		OwnerID:   ownerID,
		TaskID:    taskID,
		Status:    status,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	if n.OwnerID == "" {
		return nil, ErrEmptyNotificationOwner
	}
	if n.TaskID == uuid.Nil {
		return nil, ErrEmptyNotificationTask
	}
	if !n.Status.Valid() {
		return nil, ErrInvalidTaskStatus
	}
	return n, nil
}

// IdempotencyKey identifies the event for duplicate suppression.
func (n *Notification) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", n.TaskID, n.Status)
}

// IsRead reports whether the owner acknowledged the notification.
func (n *Notification) IsRead() bool {
	return n.ReadAt != nil
}
