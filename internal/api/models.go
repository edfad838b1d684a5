package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// SubmitTaskRequest is the payload of POST /api/tasks.
type SubmitTaskRequest struct {
	Kind                string          `json:"kind"                 validate:"required,oneof=video image audio scene"`
	ResourceFingerprint string          `json:"resource_fingerprint" validate:"required,max=256"`
	Params              json.RawMessage `json:"params,omitempty"`
	Priority            int             `json:"priority"             validate:"gte=0,lte=100"`
}

// TaskResponse is the client view of a task record.
type TaskResponse struct {
	ID                  uuid.UUID           `json:"id"`
	Kind                domain.Kind         `json:"kind"`
	ResourceFingerprint string              `json:"resource_fingerprint"`
	Status              domain.TaskStatus   `json:"status"`
	Priority            int                 `json:"priority"`
	AttemptCount        int                 `json:"attempt_count"`
	MaxAttempts         int                 `json:"max_attempts"`
	Result              *domain.Result      `json:"result,omitempty"`
	Error               *domain.ErrorDetail `json:"error,omitempty"`
	NextPollAt          *time.Time          `json:"next_poll_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// SubmitTaskResponse is the response of POST /api/tasks.
type SubmitTaskResponse struct {
	Task TaskResponse `json:"task"`
	// AlreadyInProgress is set when the request coalesced onto an active task.
	AlreadyInProgress bool `json:"already_in_progress"`
}

// ConflictResponse is returned with 409 when coalescing is disabled.
type ConflictResponse struct {
	Error   string       `json:"error"`
	TraceID string       `json:"trace_id,omitempty"`
	Task    TaskResponse `json:"task"`
}

// UnreadResponse is the response of GET /api/notifications/unread.
type UnreadResponse struct {
	Count int `json:"count"`
}

// NotificationResponse is one backlog entry.
type NotificationResponse struct {
	Sequence  int64             `json:"sequence"`
	TaskID    uuid.UUID         `json:"task_id"`
	Status    domain.TaskStatus `json:"status"`
	Summary   string            `json:"summary"`
	CreatedAt time.Time         `json:"created_at"`
}

// BacklogResponse is the response of GET /api/notifications.
type BacklogResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
	// NextAfter is the sequence to pass as "after" for the next page.
	NextAfter int64 `json:"next_after"`
}

// MarkReadResponse reports how many notifications changed.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

func newTaskResponse(rec *domain.TaskRecord) TaskResponse {
	return TaskResponse{
		ID:                  rec.ID,
		Kind:                rec.Kind,
		ResourceFingerprint: rec.ResourceFingerprint,
		Status:              rec.Status,
		Priority:            rec.Priority,
		AttemptCount:        rec.AttemptCount,
		MaxAttempts:         rec.MaxAttempts,
		Result:              rec.Result,
		Error:               rec.Error,
		NextPollAt:          rec.NextPollAt,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func newNotificationResponse(n *domain.Notification) NotificationResponse {
	return NotificationResponse{
		Sequence:  n.Sequence,
		TaskID:    n.TaskID,
		Status:    n.Status,
		Summary:   n.Summary,
		CreatedAt: n.CreatedAt,
	}
}
