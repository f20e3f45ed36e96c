package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueMsg(p Priority) *Message {
	return NewMessage(MessageTypeTaskCancel, uuid.New(), p, nil)
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(100)

	require.NoError(t, q.Enqueue(queueMsg(PriorityLow)))
	require.NoError(t, q.Enqueue(queueMsg(PriorityNormal)))
	require.NoError(t, q.Enqueue(queueMsg(PriorityUrgent)))
	require.NoError(t, q.Enqueue(queueMsg(PriorityHigh)))

	var got []Priority
	for msg := q.Dequeue(); msg != nil; msg = q.Dequeue() {
		got = append(got, msg.Priority)
	}
	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}, got)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(100)

	first := queueMsg(PriorityNormal)
	second := queueMsg(PriorityNormal)
	third := queueMsg(PriorityNormal)
	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(second))
	require.NoError(t, q.Enqueue(third))

	assert.Equal(t, first.ID, q.Dequeue().ID)
	assert.Equal(t, second.ID, q.Dequeue().ID)
	assert.Equal(t, third.ID, q.Dequeue().ID)
}

func TestQueue_EnqueueExpired(t *testing.T) {
	q := NewQueue(100)

	msg := queueMsg(PriorityNormal)
	past := time.Now().UTC().Add(-time.Second)
	msg.ExpiresAt = &past

	err := q.Enqueue(msg)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 0, q.Len())

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(0), stats.Enqueued)
}

func TestQueue_EnqueueFull(t *testing.T) {
	// Capacity 4 leaves one slot per priority level.
	q := NewQueue(4)

	require.NoError(t, q.Enqueue(queueMsg(PriorityNormal)))
	err := q.Enqueue(queueMsg(PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Other levels still have room.
	require.NoError(t, q.Enqueue(queueMsg(PriorityHigh)))

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(2), stats.Enqueued)
}

func TestQueue_EnqueueNil(t *testing.T) {
	q := NewQueue(10)
	assert.ErrorIs(t, q.Enqueue(nil), ErrNilMessage)
}

func TestQueue_InvalidPriorityNormalized(t *testing.T) {
	q := NewQueue(100)

	msg := queueMsg(Priority(0))
	require.NoError(t, q.Enqueue(msg))

	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, 1, q.Depth(PriorityNormal))
}

func TestQueue_DequeueDropsExpired(t *testing.T) {
	q := NewQueue(100)

	stale := queueMsg(PriorityHigh)
	soon := time.Now().UTC().Add(10 * time.Millisecond)
	stale.ExpiresAt = &soon
	fresh := queueMsg(PriorityHigh)

	require.NoError(t, q.Enqueue(stale))
	require.NoError(t, q.Enqueue(fresh))

	time.Sleep(20 * time.Millisecond)

	msg := q.Dequeue()
	require.NotNil(t, msg)
	assert.Equal(t, fresh.ID, msg.ID, "expired message should be skipped")

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(1), stats.Dequeued)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q := NewQueue(10)
	assert.Nil(t, q.Dequeue())
}

func TestQueue_DequeueWait(t *testing.T) {
	q := NewQueue(10)
	q.poll = 5 * time.Millisecond

	msg := queueMsg(PriorityNormal)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(msg)
	}()

	got := q.DequeueWait(context.Background(), time.Second)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
}

func TestQueue_DequeueWaitTimeout(t *testing.T) {
	q := NewQueue(10)
	q.poll = 5 * time.Millisecond

	start := time.Now()
	got := q.DequeueWait(context.Background(), 30*time.Millisecond)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueue_DequeueWaitContextCancelled(t *testing.T) {
	q := NewQueue(10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, q.DequeueWait(ctx, time.Second))
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue(100)

	require.NoError(t, q.Enqueue(queueMsg(PriorityUrgent)))
	require.NoError(t, q.Enqueue(queueMsg(PriorityNormal)))
	require.NoError(t, q.Enqueue(queueMsg(PriorityNormal)))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Depths[PriorityUrgent])
	assert.Equal(t, 0, stats.Depths[PriorityHigh])
	assert.Equal(t, 2, stats.Depths[PriorityNormal])
	assert.Equal(t, 0, stats.Depths[PriorityLow])
	assert.Equal(t, 3, q.Len())

	q.Dequeue()
	assert.Equal(t, uint64(1), q.Stats().Dequeued)
	assert.Equal(t, 2, q.Len())
}
