package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Queue defaults.
const (
	DefaultQueueCapacity = 10000
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxRetries    = 3
)

// Enqueue errors.
var (
	ErrQueueFull  = errors.New("queue full")
	ErrExpired    = errors.New("message expired")
	ErrNilMessage = errors.New("nil message")
)

// drainOrder is the order sub-queues are polled on dequeue.
var drainOrder = [...]Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// QueueStats is a point-in-time snapshot of queue depths and counters.
type QueueStats struct {
	Depths   map[Priority]int `json:"depths"`
	Enqueued uint64           `json:"enqueued"`
	Dequeued uint64           `json:"dequeued"`
	Expired  uint64           `json:"expired"`
	Rejected uint64           `json:"rejected"`
}

// Queue is a bounded in-memory priority queue. Total capacity is split
// evenly across the four priority levels; each level drains FIFO, and
// levels drain in descending priority order. Expiry is checked on both
// enqueue and dequeue: an expired enqueue is rejected with ErrExpired,
// an expired dequeue is dropped silently and the scan continues.
type Queue struct {
	mu       sync.Mutex
	sub      map[Priority][]*Message
	capacity int

	poll time.Duration

	enqueued uint64
	dequeued uint64
	expired  uint64
	rejected uint64
}

// NewQueue builds a queue with the given total capacity split evenly
// across the four priority levels. capacity <= 0 selects the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	per := capacity / len(drainOrder)
	if per < 1 {
		per = 1
	}
	return &Queue{
		sub:      make(map[Priority][]*Message, len(drainOrder)),
		capacity: per,
		poll:     DefaultPollInterval,
	}
}

// Enqueue inserts the message into its priority's sub-queue. It returns
// ErrExpired when the message's expiry has already passed and ErrQueueFull
// when the sub-queue is at capacity; both are counted.
func (q *Queue) Enqueue(msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	if !msg.Priority.Valid() {
		msg.Priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.Expired(time.Now().UTC()) {
		q.expired++
		return ErrExpired
	}
	if len(q.sub[msg.Priority]) >= q.capacity {
		q.rejected++
		return ErrQueueFull
	}
	q.sub[msg.Priority] = append(q.sub[msg.Priority], msg)
	q.enqueued++
	return nil
}

// Dequeue pops the oldest message from the highest non-empty priority
// level, skipping and counting any that expired while queued. It returns
// nil when the queue is empty.
func (q *Queue) Dequeue() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range drainOrder {
		for len(q.sub[p]) > 0 {
			msg := q.sub[p][0]
			q.sub[p][0] = nil
			q.sub[p] = q.sub[p][1:]
			if len(q.sub[p]) == 0 {
				q.sub[p] = nil
			}
			if msg.Expired(now) {
				q.expired++
				continue
			}
			q.dequeued++
			return msg
		}
	}
	return nil
}

// DequeueWait blocks up to timeout for a message, polling at the queue's
// poll interval. It returns nil on timeout or context cancellation.
func (q *Queue) DequeueWait(ctx context.Context, timeout time.Duration) *Message {
	if msg := q.Dequeue(); msg != nil {
		return msg
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if msg := q.Dequeue(); msg != nil {
				return msg
			}
		}
	}
}

// Len returns the total number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, sub := range q.sub {
		total += len(sub)
	}
	return total
}

// Depth returns the number of messages queued at the given priority.
func (q *Queue) Depth(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sub[p])
}

// Stats returns a snapshot of queue depths and counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[Priority]int, len(drainOrder))
	for _, p := range drainOrder {
		depths[p] = len(q.sub[p])
	}
	return QueueStats{
		Depths:   depths,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Expired:  q.expired,
		Rejected: q.rejected,
	}
}
