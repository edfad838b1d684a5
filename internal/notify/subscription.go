package notify

import (
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
)

// Message types sent to subscribers
const (
	MessageTypePendingCount = "pending_count"
	MessageTypeEvent        = "event"
)

// Message is one item delivered to a subscriber.
type Message struct {
	Type         string            `json:"type"`
	PendingCount *int              `json:"pending_count,omitempty"`
	Sequence     int64             `json:"sequence,omitempty"`
	TaskID       *uuid.UUID        `json:"task_id,omitempty"`
	Status       domain.TaskStatus `json:"status,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// PendingCountMessage builds the message that opens every subscription.
func PendingCountMessage(count int) Message {
	return Message{Type: MessageTypePendingCount, PendingCount: &count}
}

// EventMessage builds a live event message from a stored notification.
func EventMessage(n *domain.Notification) Message {
	id := n.TaskID
	return Message{
		Type:     MessageTypeEvent,
		Sequence: n.Sequence,
		TaskID:   &id,
		Status:   n.Status,
		Summary:  n.Summary,
	}
}

// Subscription is one live connection's view of an owner's notifications.
// It holds no task state; its channel is closed by the Fanout when the
// subscription ends.
type Subscription struct {
	id      uint64
	ownerID string
	ch      chan Message

	// lastSequence is the highest sequence delivered or covered by the
	// initial pending count. Guarded by the owner's lock in Fanout.
	lastSequence int64

	mu        sync.Mutex
	lastAcked int64
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id uint64, ownerID string, buffer int) *Subscription {
	return &Subscription{
		id:      id,
		ownerID: ownerID,
		ch:      make(chan Message, buffer),
		done:    make(chan struct{}),
	}
}

// OwnerID returns the owner the subscription listens for.
func (s *Subscription) OwnerID() string { return s.ownerID }

// Messages returns the delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Messages() <-chan Message { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, if it was ended by the Fanout.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ack records that the client processed events up to seq.
func (s *Subscription) Ack(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastAcked {
		s.lastAcked = seq
	}
}

// LastAckedSequence returns the highest acknowledged sequence.
func (s *Subscription) LastAckedSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcked
}

// deliver sends m without blocking. The caller holds the owner lock.
func (s *Subscription) deliver(m Message) bool {
	select {
	case s.ch <- m:
		if m.Sequence > s.lastSequence {
			s.lastSequence = m.Sequence
		}
		return true
	default:
		return false
	}
}

// close ends the subscription. The caller holds the owner lock.
func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}
