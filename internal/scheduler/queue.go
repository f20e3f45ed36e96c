package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
)

// Derived priority bounds. MaxPriority corresponds to the dispatcher's
// URGENT level.
const (
	MinPriority = 0
	MaxPriority = 4
)

// DefaultMaxRetries bounds dispatch attempts per queued execution.
const DefaultMaxRetries = 3

// QueuedTask represents one pending execution of a task.
type QueuedTask struct {
	TaskID      uuid.UUID
	Task        *database.Task
	Priority    int
	ScheduledAt time.Time
	RetryCount  int
	MaxRetries  int

	// AssignedAgentID is set once dispatch picks an agent.
	AssignedAgentID uuid.UUID

	// ExcludeAgents lists agents that already failed this execution and
	// must not be selected again.
	ExcludeAgents []uuid.UUID

	CreatedAt time.Time
	index     int // Used by heap.Interface
}

// NewQueuedTask wraps a task for queueing at the given derived priority.
func NewQueuedTask(task *database.Task, priority int, now time.Time) *QueuedTask {
	return &QueuedTask{
		TaskID:      task.ID,
		Task:        task,
		Priority:    priority,
		ScheduledAt: now,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
	}
}

// Queue manages pending executions with priority ordering.
// Items are ordered by priority (higher first), then by creation time (older first).
type Queue struct {
	mu       sync.RWMutex
	items    priorityQueue
	byTaskID map[uuid.UUID]*QueuedTask
}

// NewQueue creates a new execution queue.
func NewQueue() *Queue {
	return &Queue{
		items:    make(priorityQueue, 0),
		byTaskID: make(map[uuid.UUID]*QueuedTask),
	}
}

// Push adds a queued task. It fails if the task is already queued.
func (q *Queue) Push(ctx context.Context, qt *QueuedTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byTaskID[qt.TaskID]; exists {
		return fmt.Errorf("task %s already in queue", qt.TaskID)
	}

	heap.Push(&q.items, qt)
	q.byTaskID[qt.TaskID] = qt

	return nil
}

// Pop removes and returns the highest priority item, or nil when empty.
func (q *Queue) Pop(ctx context.Context) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}

	qt := heap.Pop(&q.items).(*QueuedTask)
	delete(q.byTaskID, qt.TaskID)

	return qt
}

// Peek returns the highest priority item without removing it.
func (q *Queue) Peek(ctx context.Context) *QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Remove removes a specific task from the queue. Removing an absent task is
// a no-op.
func (q *Queue) Remove(ctx context.Context, taskID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.byTaskID[taskID]
	if !exists {
		return
	}

	heap.Remove(&q.items, qt.index)
	delete(q.byTaskID, taskID)
}

// UpdatePriority changes the priority of a queued task in place.
func (q *Queue) UpdatePriority(ctx context.Context, taskID uuid.UUID, newPriority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.byTaskID[taskID]
	if !exists {
		return fmt.Errorf("task %s not in queue", taskID)
	}

	qt.Priority = newPriority
	heap.Fix(&q.items, qt.index)

	return nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.items.Len()
}

// Contains checks if a task is in the queue.
func (q *Queue) Contains(taskID uuid.UUID) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.byTaskID[taskID]
	return exists
}

// Items returns all queued tasks in heap order (for monitoring).
func (q *Queue) Items() []*QueuedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedTask, len(q.items))
	copy(result, q.items)
	return result
}

// priorityQueue implements heap.Interface for QueuedTask ordering.
// Higher priority items come first; for equal priority, older items come first.
type priorityQueue []*QueuedTask

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	// Higher priority first
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	// For equal priority, older items first (FIFO within priority level)
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	qt := x.(*QueuedTask)
	qt.index = n
	*pq = append(*pq, qt)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	qt := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	qt.index = -1   // For safety
	*pq = old[0 : n-1]
	return qt
}

// retryEntry defers a failed dispatch until readyAt.
type retryEntry struct {
	qt      *QueuedTask
	readyAt time.Time
}

// retryQueue is a FIFO of deferred redispatches. It drains ahead of the main
// queue, but an entry becomes visible only once its delay has elapsed; a
// not-yet-ready head blocks younger entries so insertion order holds.
type retryQueue struct {
	mu      sync.Mutex
	entries []*retryEntry
	byID    map[uuid.UUID]struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{byID: make(map[uuid.UUID]struct{})}
}

func (r *retryQueue) push(qt *QueuedTask, readyAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[qt.TaskID]; exists {
		return fmt.Errorf("task %s already queued for retry", qt.TaskID)
	}

	r.entries = append(r.entries, &retryEntry{qt: qt, readyAt: readyAt})
	r.byID[qt.TaskID] = struct{}{}
	return nil
}

// popReady returns the oldest entry whose delay has elapsed, or nil.
func (r *retryQueue) popReady(now time.Time) *QueuedTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil
	}
	head := r.entries[0]
	if head.readyAt.After(now) {
		return nil
	}

	r.entries[0] = nil
	r.entries = r.entries[1:]
	delete(r.byID, head.qt.TaskID)
	return head.qt
}

func (r *retryQueue) remove(taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[taskID]; !exists {
		return
	}
	for i, entry := range r.entries {
		if entry.qt.TaskID == taskID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	delete(r.byID, taskID)
}

func (r *retryQueue) contains(taskID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.byID[taskID]
	return exists
}

func (r *retryQueue) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// delayedItem parks a queued task until executeAt.
type delayedItem struct {
	qt        *QueuedTask
	executeAt time.Time
	index     int
}

// delayedQueue is a time-ordered heap of parked executions. The scheduler's
// pump loop migrates ready items into the main queue.
type delayedQueue struct {
	mu    sync.Mutex
	items delayedHeap
	byID  map[uuid.UUID]*delayedItem
}

func newDelayedQueue() *delayedQueue {
	return &delayedQueue{
		items: make(delayedHeap, 0),
		byID:  make(map[uuid.UUID]*delayedItem),
	}
}

func (d *delayedQueue) push(qt *QueuedTask, executeAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byID[qt.TaskID]; exists {
		return fmt.Errorf("task %s already delayed", qt.TaskID)
	}

	item := &delayedItem{qt: qt, executeAt: executeAt}
	heap.Push(&d.items, item)
	d.byID[qt.TaskID] = item
	return nil
}

// popReady returns the earliest parked task whose time has come, or nil.
func (d *delayedQueue) popReady(now time.Time) *QueuedTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.items.Len() == 0 || d.items[0].executeAt.After(now) {
		return nil
	}

	item := heap.Pop(&d.items).(*delayedItem)
	delete(d.byID, item.qt.TaskID)
	return item.qt
}

func (d *delayedQueue) remove(taskID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, exists := d.byID[taskID]
	if !exists {
		return
	}
	heap.Remove(&d.items, item.index)
	delete(d.byID, taskID)
}

func (d *delayedQueue) contains(taskID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.byID[taskID]
	return exists
}

func (d *delayedQueue) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// delayedHeap implements heap.Interface ordered by executeAt, earliest first.
type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	return h[i].executeAt.Before(h[j].executeAt)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	n := len(*h)
	item := x.(*delayedItem)
	item.index = n
	*h = append(*h, item)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
