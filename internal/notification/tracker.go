package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
)

// streakRetention bounds how long an idle failure streak is remembered.
// Probe cadence tops out at daily, so anything quieter than two days is
// a deleted or paused task.
const streakRetention = 48 * time.Hour

// failureStreak counts consecutive non-success results for one task.
type failureStreak struct {
	count    int
	lastSeen time.Time
}

// stateTracker derives alertable transitions from the raw event stream:
// agent online/offline flips and per-task failure streaks. All methods
// are cheap and safe to call from publisher goroutines.
type stateTracker struct {
	mu      sync.Mutex
	agents  map[uuid.UUID]database.AgentStatus
	streaks map[uuid.UUID]*failureStreak
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		agents:  make(map[uuid.UUID]database.AgentStatus),
		streaks: make(map[uuid.UUID]*failureStreak),
	}
}

// agentStatus records a status update and returns the resulting event,
// if any. Going offline alerts even for an agent seen for the first
// time; recovery alerts only on an offline-to-healthy transition, so a
// fresh agent connecting does not announce itself as recovered.
func (t *stateTracker) agentStatus(agentID uuid.UUID, status database.AgentStatus) *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.agents[agentID]
	t.agents[agentID] = status

	if seen && prev == status {
		return nil
	}

	switch {
	case status == database.AgentStatusOffline:
		return &Event{Type: EventAgentOffline, AgentID: &agentID, At: time.Now()}
	case seen && prev == database.AgentStatusOffline && healthy(status):
		return &Event{Type: EventAgentRecovered, AgentID: &agentID, At: time.Now()}
	}

	return nil
}

func healthy(status database.AgentStatus) bool {
	return status == database.AgentStatusOnline || status == database.AgentStatusBusy
}

// taskOutcome records one execution outcome and returns the resulting
// event, if any. Errors and timeouts extend the failure streak and
// always produce an event; rules decide whether the streak is long
// enough to alert on. A success ends a streak and produces a recovery
// event carrying the streak it ended, or nothing when there was no
// streak.
func (t *stateTracker) taskOutcome(taskID uuid.UUID, agentID *uuid.UUID, status database.ResultStatus, errMsg string) *Event {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch status {
	case database.ResultStatusError, database.ResultStatusTimeout:
		streak := t.streaks[taskID]
		if streak == nil {
			streak = &failureStreak{}
			t.streaks[taskID] = streak
		}
		streak.count++
		streak.lastSeen = now

		eventType := EventTaskFailed
		if status == database.ResultStatusTimeout {
			eventType = EventTaskTimeout
		}
		return &Event{
			Type:     eventType,
			TaskID:   &taskID,
			AgentID:  agentID,
			Failures: streak.count,
			Error:    errMsg,
			At:       now,
		}

	case database.ResultStatusSuccess:
		streak := t.streaks[taskID]
		if streak == nil {
			return nil
		}
		delete(t.streaks, taskID)
		return &Event{
			Type:     EventTaskRecovered,
			TaskID:   &taskID,
			AgentID:  agentID,
			Failures: streak.count,
			At:       now,
		}
	}

	return nil
}

// sweep drops streaks that have been idle longer than maxIdle. Returns
// the number of entries removed.
func (t *stateTracker) sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for taskID, streak := range t.streaks {
		if streak.lastSeen.Before(cutoff) {
			delete(t.streaks, taskID)
			removed++
		}
	}
	return removed
}
