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

// NotificationStore is an in-memory store.NotificationStore.
type NotificationStore struct {
	mu       sync.Mutex
	byOwner  map[string][]*domain.Notification
	keys     map[string]*domain.Notification
	sequence map[string]int64
}

var _ store.NotificationStore = (*NotificationStore)(nil)

// NewNotificationStore creates an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		byOwner:  make(map[string][]*domain.Notification),
		keys:     make(map[string]*domain.Notification),
		sequence: make(map[string]int64),
	}
}

// Append implements store.NotificationStore.
func (s *NotificationStore) Append(ctx context.Context, n *domain.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := n.OwnerID + "|" + n.IdempotencyKey()
	if existing, ok := s.keys[key]; ok {
		*n = *existing
		return false, nil
	}

	s.sequence[n.OwnerID]++
	stored := *n
	stored.Sequence = s.sequence[n.OwnerID]
	s.byOwner[n.OwnerID] = append(s.byOwner[n.OwnerID], &stored)
	s.keys[key] = &stored

	*n = stored
	return true, nil
}

// UnreadCount implements store.NotificationStore.
func (s *NotificationStore) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.byOwner[ownerID] {
		if !n.IsRead() {
			count++
		}
	}
	return count, nil
}

// Backlog implements store.NotificationStore.
func (s *NotificationStore) Backlog(
	ctx context.Context,
	ownerID string,
	afterSequence int64,
	limit int,
) ([]*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Notification, 0)
	for _, n := range s.byOwner[ownerID] {
		if n.IsRead() || n.Sequence <= afterSequence {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestSequence implements store.NotificationStore.
func (s *NotificationStore) LatestSequence(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence[ownerID], nil
}

// MarkRead implements store.NotificationStore.
func (s *NotificationStore) MarkRead(ctx context.Context, ownerID string, taskID uuid.UUID) (int, error) {
	return s.mark(ownerID, func(n *domain.Notification) bool { return n.TaskID == taskID }), nil
}

// MarkAllRead implements store.NotificationStore.
func (s *NotificationStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	return s.mark(ownerID, func(*domain.Notification) bool { return true }), nil
}

func (s *NotificationStore) mark(ownerID string, match func(*domain.Notification) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	changed := 0
	for _, n := range s.byOwner[ownerID] {
		if n.IsRead() || !match(n) {
			continue
		}
		t := now
		n.ReadAt = &t
		changed++
	}
	return changed
}
