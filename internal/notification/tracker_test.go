package notification

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
)

func TestTrackerAgentTransitions(t *testing.T) {
	tracker := newStateTracker()
	agentID := uuid.New()

	assert.Nil(t, tracker.agentStatus(agentID, database.AgentStatusOnline),
		"first contact is not a recovery")

	event := tracker.agentStatus(agentID, database.AgentStatusOffline)
	require.NotNil(t, event)
	assert.Equal(t, EventAgentOffline, event.Type)
	require.NotNil(t, event.AgentID)
	assert.Equal(t, agentID, *event.AgentID)

	assert.Nil(t, tracker.agentStatus(agentID, database.AgentStatusOffline),
		"repeated offline updates are deduplicated")

	event = tracker.agentStatus(agentID, database.AgentStatusOnline)
	require.NotNil(t, event)
	assert.Equal(t, EventAgentRecovered, event.Type)

	assert.Nil(t, tracker.agentStatus(agentID, database.AgentStatusBusy),
		"online to busy is not a transition worth alerting")
}

func TestTrackerFirstSeenOffline(t *testing.T) {
	tracker := newStateTracker()
	agentID := uuid.New()

	event := tracker.agentStatus(agentID, database.AgentStatusOffline)
	require.NotNil(t, event)
	assert.Equal(t, EventAgentOffline, event.Type)
}

func TestTrackerMaintenanceSuppressesRecovery(t *testing.T) {
	tracker := newStateTracker()
	agentID := uuid.New()

	require.NotNil(t, tracker.agentStatus(agentID, database.AgentStatusOffline))
	assert.Nil(t, tracker.agentStatus(agentID, database.AgentStatusMaintenance))
	assert.Nil(t, tracker.agentStatus(agentID, database.AgentStatusOnline),
		"recovery via maintenance is an operator action, not an alert")
}

func TestTrackerFailureStreaks(t *testing.T) {
	tracker := newStateTracker()
	taskID := uuid.New()
	agentID := uuid.New()

	event := tracker.taskOutcome(taskID, &agentID, database.ResultStatusError, "connection refused")
	require.NotNil(t, event)
	assert.Equal(t, EventTaskFailed, event.Type)
	assert.Equal(t, 1, event.Failures)
	assert.Equal(t, "connection refused", event.Error)

	event = tracker.taskOutcome(taskID, &agentID, database.ResultStatusTimeout, "")
	require.NotNil(t, event)
	assert.Equal(t, EventTaskTimeout, event.Type)
	assert.Equal(t, 2, event.Failures, "timeouts extend the same streak")

	event = tracker.taskOutcome(taskID, &agentID, database.ResultStatusSuccess, "")
	require.NotNil(t, event)
	assert.Equal(t, EventTaskRecovered, event.Type)
	assert.Equal(t, 2, event.Failures, "recovery reports the streak it ended")

	assert.Nil(t, tracker.taskOutcome(taskID, &agentID, database.ResultStatusSuccess, ""),
		"success without a streak is not a recovery")
}

func TestTrackerStreaksAreIndependent(t *testing.T) {
	tracker := newStateTracker()
	agentID := uuid.New()
	first := uuid.New()
	second := uuid.New()

	tracker.taskOutcome(first, &agentID, database.ResultStatusError, "")
	tracker.taskOutcome(first, &agentID, database.ResultStatusError, "")

	event := tracker.taskOutcome(second, &agentID, database.ResultStatusError, "")
	require.NotNil(t, event)
	assert.Equal(t, 1, event.Failures)

	event = tracker.taskOutcome(first, &agentID, database.ResultStatusError, "")
	require.NotNil(t, event)
	assert.Equal(t, 3, event.Failures)
}

func TestTrackerSweep(t *testing.T) {
	tracker := newStateTracker()
	agentID := uuid.New()
	stale := uuid.New()
	fresh := uuid.New()

	tracker.taskOutcome(stale, &agentID, database.ResultStatusError, "")
	tracker.taskOutcome(fresh, &agentID, database.ResultStatusError, "")

	tracker.mu.Lock()
	tracker.streaks[stale].lastSeen = time.Now().Add(-72 * time.Hour)
	tracker.mu.Unlock()

	removed := tracker.sweep(streakRetention)
	assert.Equal(t, 1, removed)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.NotContains(t, tracker.streaks, stale)
	assert.Contains(t, tracker.streaks, fresh)
}
