package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/store"
)

// TaskRecordStore is an in-memory store.TaskRecordStore.
type TaskRecordStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*domain.TaskRecord
	// active maps a fingerprint to the ID of its non-terminal record.
	active map[string]uuid.UUID
	now    func() time.Time
}

var _ store.TaskRecordStore = (*TaskRecordStore)(nil)

// NewTaskRecordStore creates an empty store.
func NewTaskRecordStore() *TaskRecordStore {
	return &TaskRecordStore{
		records: make(map[uuid.UUID]*domain.TaskRecord),
		active:  make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

// Create implements store.TaskRecordStore.
func (s *TaskRecordStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	if err := rec.Validate(); err != nil {
		return store.NewStoreError("task_record", "create", err.Error(), store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return store.NewStoreError("task_record", "create", "id already exists", store.ErrDuplicate)
	}
	if rec.Status.IsActive() {
		if id, held := s.active[rec.ResourceFingerprint]; held {
			return &store.ConflictError{
				Fingerprint: rec.ResourceFingerprint,
				Existing:    s.records[id].Clone(),
			}
		}
		s.active[rec.ResourceFingerprint] = rec.ID
	}

	s.records[rec.ID] = rec.Clone()
	return nil
}

// Get implements store.TaskRecordStore.
func (s *TaskRecordStore) Get(ctx context.Context, id uuid.UUID) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskRecordNotFound
	}
	return rec.Clone(), nil
}

// GetActiveByFingerprint implements store.TaskRecordStore.
func (s *TaskRecordStore) GetActiveByFingerprint(
	ctx context.Context,
	fingerprint string,
) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[fingerprint]
	if !ok {
		return nil, store.ErrTaskRecordNotFound
	}
	return s.records[id].Clone(), nil
}

// Transition implements store.TaskRecordStore.
func (s *TaskRecordStore) Transition(
	ctx context.Context,
	id uuid.UUID,
	expected domain.TaskStatus,
	next domain.TaskStatus,
	fields store.TransitionFields,
) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskRecordNotFound
	}
	if err := store.ApplyTransition(rec, expected, next, fields, s.now()); err != nil {
		return nil, err
	}
	if rec.IsTerminal() && s.active[rec.ResourceFingerprint] == rec.ID {
		delete(s.active, rec.ResourceFingerprint)
	}
	return rec.Clone(), nil
}

// ListByStatus implements store.TaskRecordStore.
func (s *TaskRecordStore) ListByStatus(
	ctx context.Context,
	status domain.TaskStatus,
	olderThan time.Duration,
) ([]*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-olderThan)
	var out []*domain.TaskRecord
	for _, rec := range s.records {
		if rec.Status != status {
			continue
		}
		if olderThan > 0 && rec.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// ListUpdatedSince implements store.TaskRecordStore.
func (s *TaskRecordStore) ListUpdatedSince(
	ctx context.Context,
	status domain.TaskStatus,
	since time.Time,
) ([]*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.TaskRecord
	for _, rec := range s.records {
		if rec.Status == status && !rec.UpdatedAt.Before(since) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// SetClock replaces the store's time source. Intended for tests.
func (s *TaskRecordStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Len returns the number of stored records.
func (s *TaskRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
