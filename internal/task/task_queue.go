package task

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// Common errors returned by the PriorityQueue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// PriorityQueue is a bounded queue of work items ordered by priority,
// highest first, then by arrival. A task ID is held at most once.
type PriorityQueue struct {
	mu       sync.Mutex
	items    itemHeap
	queued   mapset.Set[uuid.UUID]
	capacity int
	seq      uint64
	closed   bool
	// wake is closed and replaced whenever an item arrives or the queue
	// closes, releasing every blocked Dequeue.
	wake   chan struct{}
	logger *slog.Logger
}

// NewPriorityQueue creates a queue holding at most capacity items.
func NewPriorityQueue(capacity int, logger *slog.Logger) *PriorityQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &PriorityQueue{
		queued:   mapset.NewThreadUnsafeSet[uuid.UUID](),
		capacity: capacity,
		wake:     make(chan struct{}),
		logger:   logger,
	}
}

// Enqueue adds item. Adding a task ID that is already queued is a no-op.
// Returns an error if the queue is full or closed.
func (q *PriorityQueue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.queued.Contains(item.TaskID) {
		return nil
	}
	if len(q.items) >= q.capacity {
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, q.capacity)
	}

	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.queued.Add(item.TaskID)

	close(q.wake)
	q.wake = make(chan struct{})

	q.logger.Debug("task enqueued",
		"task_id", item.TaskID,
		"priority", item.Priority,
		"queue_len", len(q.items),
		"queue_cap", q.capacity)
	return nil
}

// Dequeue blocks until an item is available, the queue is closed and
// drained, or ctx is done.
func (q *PriorityQueue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(WorkItem)
			q.queued.Remove(item.TaskID)
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return WorkItem{}, ErrQueueClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		case <-wake:
		}
	}
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether the task is queued.
func (q *PriorityQueue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued.Contains(id)
}

// Close closes the task queue, preventing further task submission.
// Items already queued can still be dequeued.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.wake)
		q.logger.Info("task queue closed", "remaining", len(q.items))
	}
}

type itemHeap []WorkItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(WorkItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
