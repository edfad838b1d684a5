package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of media a task generates
type Kind string

// Supported media kinds
const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindScene Kind = "scene"
)

// TaskStatus represents the lifecycle state of a task record
type TaskStatus string

// Possible task status values
const (
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusProcessing       TaskStatus = "processing"
	TaskStatusAwaitingProvider TaskStatus = "awaiting_provider"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
)

// QueueClass names the logical queue a task is executed from.
type QueueClass string

// Queue classes, one per provider family
const (
	QueueClassVideo QueueClass = "video"
	QueueClassImage QueueClass = "image"
	QueueClassAudio QueueClass = "audio"
)

// ErrorKind classifies a recorded failure
type ErrorKind string

// Recorded failure kinds
const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindDeadline  ErrorKind = "deadline_exceeded"
)

// Validation errors for TaskRecord
var (
	ErrEmptyTaskID          = errors.New("task ID cannot be empty")
	ErrEmptyOwnerID         = errors.New("owner ID cannot be empty")
	ErrEmptyFingerprint     = errors.New("resource fingerprint cannot be empty")
	ErrInvalidKind          = errors.New("invalid task kind")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
	ErrInvalidMaxAttempts   = errors.New("max attempts must be positive")
	ErrAttemptsExceeded     = errors.New("attempt count exceeds max attempts")
	ErrHandleStatusMismatch = errors.New("provider handle must be set only while awaiting provider")
)

// Result is the success payload of a completed task.
type Result struct {
	URL        string         `json:"url,omitempty"`
	StorageKey string         `json:"storage_key,omitempty"`
	MIMEType   string         `json:"mime_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrorDetail is the structured failure stored on a failed or retried task.
type ErrorDetail struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Provider string    `json:"provider,omitempty"`
	Code     string    `json:"code,omitempty"`
}

// TaskRecord is the durable state of one generation attempt lineage.
// It is the single authority for a task's state: clients rehydrate from it
// and every mutation goes through the store's compare-and-swap transition.
type TaskRecord struct {
	ID                  uuid.UUID       `json:"id"`
	ResourceFingerprint string          `json:"resource_fingerprint"`
	Kind                Kind            `json:"kind"`
	QueueClass          QueueClass      `json:"queue_class"`
	Priority            int             `json:"priority"`
	Status              TaskStatus      `json:"status"`
	Params              json.RawMessage `json:"params,omitempty"`
	ProviderHandle      string          `json:"provider_handle,omitempty"`
	Provider            string          `json:"provider,omitempty"`
	AttemptCount        int             `json:"attempt_count"`
	MaxAttempts         int             `json:"max_attempts"`
	PollCount           int             `json:"poll_count"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	AvailableAt         *time.Time      `json:"available_at,omitempty"`
	NextPollAt          *time.Time      `json:"next_poll_at,omitempty"`
	PollDeadlineAt      *time.Time      `json:"poll_deadline_at,omitempty"`
	Result              *Result         `json:"result,omitempty"`
	Error               *ErrorDetail    `json:"error,omitempty"`
	OwnerID             string          `json:"owner_id"`
}

// NewTaskRecord creates a queued TaskRecord for the given request fields.
// The queue class is derived from the kind.
func NewTaskRecord(
	kind Kind,
	ownerID string,
	fingerprint string,
	params json.RawMessage,
	priority int,
	maxAttempts int,
) (*TaskRecord, error) {
	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:                  uuid.New(),
		ResourceFingerprint: strings.TrimSpace(fingerprint),
		Kind:                kind,
		QueueClass:          QueueClassForKind(kind),
		Priority:            priority,
		Status:              TaskStatusQueued,
		Params:              params,
		AttemptCount:        0,
		MaxAttempts:         maxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
		OwnerID:             strings.TrimSpace(ownerID),
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return rec, nil
}

// Validate checks the record's fields and its structural invariants.
func (t *TaskRecord) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.OwnerID == "" {
		return ErrEmptyOwnerID
	}
	if t.ResourceFingerprint == "" {
		return ErrEmptyFingerprint
	}
	if !t.Kind.Valid() {
		return ErrInvalidKind
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	if t.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if t.AttemptCount > t.MaxAttempts {
		return ErrAttemptsExceeded
	}
	if (t.ProviderHandle != "") != (t.Status == TaskStatusAwaitingProvider) {
		return ErrHandleStatusMismatch
	}
	return nil
}

// IsTerminal reports whether the record can no longer change.
func (t *TaskRecord) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a deep copy of the record.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		c.Params = append(json.RawMessage(nil), t.Params...)
	}
	c.AvailableAt = cloneTime(t.AvailableAt)
	c.NextPollAt = cloneTime(t.NextPollAt)
	c.PollDeadlineAt = cloneTime(t.PollDeadlineAt)
	if t.Result != nil {
		r := *t.Result
		if t.Result.Metadata != nil {
			r.Metadata = make(map[string]any, len(t.Result.Metadata))
			for k, v := range t.Result.Metadata {
				r.Metadata[k] = v
			}
		}
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVideo, KindImage, KindAudio, KindScene:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusProcessing, TaskStatusAwaitingProvider,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsActive reports whether s counts toward the one-active-task-per-fingerprint rule.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusProcessing || s == TaskStatusAwaitingProvider
}

// ActiveStatuses lists the non-terminal statuses.
func ActiveStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusQueued, TaskStatusProcessing, TaskStatusAwaitingProvider}
}

// QueueClassForKind maps a media kind onto its queue class.
// Scenes are rendered by video backends and share their queue.
func QueueClassForKind(k Kind) QueueClass {
	switch k {
	case KindImage:
		return QueueClassImage
	case KindAudio:
		return QueueClassAudio
	default:
		return QueueClassVideo
	}
}

// ParseKind converts user input into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", ErrInvalidKind
	}
	return k, nil
}

// AllQueueClasses returns every queue class.
func AllQueueClasses() []QueueClass {
	return []QueueClass{QueueClassVideo, QueueClassImage, QueueClassAudio}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
