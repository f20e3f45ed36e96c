package connmgr

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
)

func TestRecoveryManager_MarksOfflineWhenExhausted(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 3, Delay: 5 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())
	defer rm.Stop()

	rm.Schedule(agent.ID)
	if !rm.Recovering(agent.ID) {
		t.Fatal("Recovering() = false after Schedule")
	}

	waitUntil(t, time.Second, func() bool { return !rm.Recovering(agent.ID) })

	status, ok := repo.lastStatus(agent.ID)
	if !ok {
		t.Fatal("agent status never updated")
	}
	if status != database.AgentStatusOffline {
		t.Errorf("agent status = %s, want %s", status, database.AgentStatusOffline)
	}
}

func TestRecoveryManager_NotifiesOnExhausted(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 2, Delay: 5 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())
	defer rm.Stop()

	exhausted := make(chan uuid.UUID, 1)
	rm.OnExhausted(func(id uuid.UUID) { exhausted <- id })

	rm.Schedule(agent.ID)

	select {
	case id := <-exhausted:
		if id != agent.ID {
			t.Errorf("exhausted callback got agent %s, want %s", id, agent.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("exhausted callback never fired")
	}

	// The agent is offline by the time the callback runs.
	if status, ok := repo.lastStatus(agent.ID); !ok || status != database.AgentStatusOffline {
		t.Errorf("agent status = %v, want offline before callback", status)
	}
}

func TestRecoveryManager_SucceedsWhenReconnected(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 5, Delay: 10 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())
	defer rm.Stop()

	exhausted := make(chan uuid.UUID, 1)
	rm.OnExhausted(func(id uuid.UUID) { exhausted <- id })

	rm.Schedule(agent.ID)

	// The agent reconnects before the first check fires.
	pool.Add(poolConn("s1", agent.ID))

	waitUntil(t, time.Second, func() bool { return !rm.Recovering(agent.ID) })

	if _, ok := repo.lastStatus(agent.ID); ok {
		t.Error("agent status updated after a successful recovery")
	}
	select {
	case <-exhausted:
		t.Error("exhausted callback fired for a recovered agent")
	default:
	}
}

func TestRecoveryManager_Coalesces(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 3, Delay: 50 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())
	defer rm.Stop()

	rm.Schedule(agent.ID)
	rm.Schedule(agent.ID) // second schedule is a no-op

	rm.mu.Lock()
	active := len(rm.active)
	rm.mu.Unlock()
	if active != 1 {
		t.Errorf("active recoveries = %d, want 1", active)
	}
}

func TestRecoveryManager_Cancel(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 3, Delay: 20 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())
	defer rm.Stop()

	rm.Schedule(agent.ID)
	rm.Cancel(agent.ID)

	if rm.Recovering(agent.ID) {
		t.Error("Recovering() = true after Cancel")
	}

	// Give a cancelled run time to misbehave if it were going to.
	time.Sleep(60 * time.Millisecond)
	if _, ok := repo.lastStatus(agent.ID); ok {
		t.Error("cancelled recovery updated agent status")
	}
}

func TestRecoveryManager_Stop(t *testing.T) {
	pool := NewPool(1, testLogger())
	repo := newMockAgentRepository()
	agent := newTestAgent("key")
	repo.put(agent)

	cfg := RecoveryConfig{MaxAttempts: 3, Delay: 20 * time.Millisecond, Multiplier: 1}
	rm := NewRecoveryManager(pool, repo, nil, cfg, testLogger())

	rm.Schedule(agent.ID)
	rm.Stop() // blocks until the run goroutine exits

	if _, ok := repo.lastStatus(agent.ID); ok {
		t.Error("stopped recovery updated agent status")
	}

	// Scheduling after Stop is a no-op.
	rm.Schedule(agent.ID)
	if rm.Recovering(agent.ID) {
		t.Error("Schedule() after Stop started a recovery")
	}
}
