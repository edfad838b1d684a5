package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/sethvargo/go-retry"
)

// ErrSlowSubscriber ends a subscription whose buffer is full. The client
// reconnects and reconciles through the pending count.
var ErrSlowSubscriber = errors.New("subscriber too slow, disconnected")

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notification fanout closed")

// Config holds configuration for the fanout
type Config struct {
	// SubscriberBuffer is the per-subscription channel capacity.
	SubscriberBuffer int
	// BacklogLimit caps one backlog read.
	BacklogLimit int
	// AppendRetries is how many times a failed store append is retried
	// before the event is left to the reconciliation sweep.
	AppendRetries uint64
	// AppendBackoff is the first delay between append retries.
	AppendBackoff time.Duration
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 64,
		BacklogLimit:     100,
		AppendRetries:    3,
		AppendBackoff:    50 * time.Millisecond,
	}
}

type ownerState struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

// Fanout records notifications and pushes them to live subscriptions.
// Work for one owner is serialized by that owner's lock, so a subscriber
// never sees an event before its initial pending count and never sees an
// event twice from this process.
type Fanout struct {
	store  store.NotificationStore
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	owners map[string]*ownerState
	nextID uint64
	closed bool
}

var _ events.EventHandler = (*Fanout)(nil)

// NewFanout creates a fanout over s.
func NewFanout(s store.NotificationStore, config Config, logger *slog.Logger) *Fanout {
	def := DefaultConfig()
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = def.SubscriberBuffer
	}
	if config.BacklogLimit <= 0 {
		config.BacklogLimit = def.BacklogLimit
	}
	if config.AppendBackoff <= 0 {
		config.AppendBackoff = def.AppendBackoff
	}
	return &Fanout{
		store:  s,
		config: config,
		logger: logger.With("component", "notification_fanout"),
		owners: make(map[string]*ownerState),
	}
}

func (f *Fanout) owner(id string) *ownerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.owners[id]
	if !ok {
		st = &ownerState{subs: make(map[uint64]*Subscription)}
		f.owners[id] = st
	}
	return st
}

// HandleEvent implements events.EventHandler. Only terminal transitions
// are published.
func (f *Fanout) HandleEvent(ctx context.Context, event *events.TaskStateEvent) error {
	if !event.IsTerminal() {
		return nil
	}
	n, err := domain.NewNotification(event.OwnerID, event.TaskID, event.Status, event.Summary)
	if err != nil {
		return fmt.Errorf("invalid task event: %w", err)
	}
	_, err = f.Publish(ctx, n)
	return err
}

// Publish records n and delivers it to the owner's live subscriptions.
// A notification with the same task ID and status as a recorded one is
// not delivered again; delivered reports whether n was new.
func (f *Fanout) Publish(ctx context.Context, n *domain.Notification) (bool, error) {
	st := f.owner(n.OwnerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	inserted, err := f.append(ctx, n)
	if err != nil {
		return false, fmt.Errorf("failed to record notification: %w", err)
	}
	if !inserted {
		f.logger.Debug("duplicate notification suppressed",
			"owner_id", n.OwnerID,
			"task_id", n.TaskID,
			"status", n.Status)
		return false, nil
	}

	f.deliverLocked(st, []*domain.Notification{n})
	return true, nil
}

// append records n, retrying store failures with exponential backoff.
// Invalid notifications are not retried.
func (f *Fanout) append(ctx context.Context, n *domain.Notification) (bool, error) {
	b := retry.WithMaxRetries(f.config.AppendRetries, retry.NewExponential(f.config.AppendBackoff))
	return retry.DoValue(ctx, b, func(ctx context.Context) (bool, error) {
		inserted, err := f.store.Append(ctx, n)
		if err != nil {
			if errors.Is(err, store.ErrInvalidEntity) {
				return false, err
			}
			f.logger.Warn("notification append failed, retrying",
				"owner_id", n.OwnerID,
				"task_id", n.TaskID,
				"status", n.Status,
				"error", err)
			return false, retry.RetryableError(err)
		}
		return inserted, nil
	})
}

// deliverLocked pushes notifications to every subscription that has not
// seen them. The caller holds st.mu.
func (f *Fanout) deliverLocked(st *ownerState, ns []*domain.Notification) {
	for id, sub := range st.subs {
		for _, n := range ns {
			if n.Sequence <= sub.lastSequence {
				continue
			}
			if !sub.deliver(EventMessage(n)) {
				f.logger.Warn("dropping slow subscriber",
					"owner_id", sub.ownerID,
					"subscription_id", id)
				sub.close(ErrSlowSubscriber)
				delete(st.subs, id)
				break
			}
		}
	}
}

// Subscribe opens a subscription for owner. Its first message is the
// owner's unread count; only notifications recorded afterwards are
// delivered live.
func (f *Fanout) Subscribe(ctx context.Context, ownerID string) (*Subscription, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	st := f.owner(ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	count, err := f.store.UnreadCount(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	latest, err := f.store.LatestSequence(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification sequence: %w", err)
	}

	sub := newSubscription(id, ownerID, f.config.SubscriberBuffer)
	sub.lastSequence = latest
	sub.deliver(PendingCountMessage(count))
	st.subs[id] = sub

	f.logger.Debug("subscription opened",
		"owner_id", ownerID,
		"subscription_id", id,
		"pending_count", count)
	return sub, nil
}

// Unsubscribe ends sub. It is safe to call more than once.
func (f *Fanout) Unsubscribe(sub *Subscription) {
	st := f.owner(sub.ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.subs, sub.id)
	sub.close(nil)
}

// Sync delivers recorded notifications that live subscriptions have not
// seen, such as those recorded by other processes.
func (f *Fanout) Sync(ctx context.Context) error {
	f.mu.Lock()
	owners := make(map[string]*ownerState, len(f.owners))
	for id, st := range f.owners {
		owners[id] = st
	}
	f.mu.Unlock()

	var firstErr error
	for ownerID, st := range owners {
		if err := f.syncOwner(ctx, ownerID, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fanout) syncOwner(ctx context.Context, ownerID string, st *ownerState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.subs) == 0 {
		return nil
	}
	var after int64 = -1
	for _, sub := range st.subs {
		if after < 0 || sub.lastSequence < after {
			after = sub.lastSequence
		}
	}

	backlog, err := f.store.Backlog(ctx, ownerID, after, f.config.BacklogLimit)
	if err != nil {
		return fmt.Errorf("failed to read backlog for %s: %w", ownerID, err)
	}
	if len(backlog) > 0 {
		f.deliverLocked(st, backlog)
	}
	return nil
}

// Run syncs subscriptions every interval until ctx is done, then closes
// the fanout.
func (f *Fanout) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Close()
			return nil
		case <-ticker.C:
			if err := f.Sync(ctx); err != nil {
				f.logger.Error("notification sync failed", "error", err)
			}
		}
	}
}

// Close ends every subscription and rejects new ones.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	owners := f.owners
	f.owners = make(map[string]*ownerState)
	f.mu.Unlock()

	for _, st := range owners {
		st.mu.Lock()
		for id, sub := range st.subs {
			sub.close(ErrClosed)
			delete(st.subs, id)
		}
		st.mu.Unlock()
	}
}

// GetUnread returns the owner's unread notification count.
func (f *Fanout) GetUnread(ctx context.Context, ownerID string) (int, error) {
	return f.store.UnreadCount(ctx, ownerID)
}

// Backlog returns the owner's unread notifications after afterSequence.
func (f *Fanout) Backlog(ctx context.Context, ownerID string, afterSequence int64, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > f.config.BacklogLimit {
		limit = f.config.BacklogLimit
	}
	return f.store.Backlog(ctx, ownerID, afterSequence, limit)
}

// MarkRead acknowledges every notification of a task and returns how
// many changed.
func (f *Fanout) MarkRead(ctx context.Context, ownerID string, taskID uuid.UUID) (int, error) {
	return f.store.MarkRead(ctx, ownerID, taskID)
}

// MarkAllRead acknowledges all of the owner's notifications.
func (f *Fanout) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	return f.store.MarkAllRead(ctx, ownerID)
}
