//go:build integration

// Package database provides integration tests for database operations.
package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/testutil"
)

// newDBFromContainer creates a database connection from a postgres container.
func newDBFromContainer(ctx context.Context, pg *testutil.PostgresContainer) (*DB, error) {
	cfg := DefaultConfig(pg.ConnStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1
	return New(ctx, cfg)
}

// testDB holds the shared database container for tests.
var testDB struct {
	container *testutil.PostgresContainer
	db        *DB
}

func TestMain(m *testing.M) {
	if !testutil.IsDockerAvailable() {
		os.Exit(0) // Skip if Docker is not available
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Start postgres container
	pg, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
	if err != nil {
		panic("failed to start postgres container: " + err.Error())
	}
	testDB.container = pg

	// Create database connection
	db, err := newDBFromContainer(ctx, pg)
	if err != nil {
		pg.Terminate(ctx)
		panic("failed to create database connection: " + err.Error())
	}
	testDB.db = db

	// Run embedded migrations
	migrator, err := NewEmbeddedMigrator(db)
	if err != nil {
		db.Close()
		pg.Terminate(ctx)
		panic("failed to create migrator: " + err.Error())
	}

	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		pg.Terminate(ctx)
		panic("failed to run migrations: " + err.Error())
	}

	// Run tests
	code := m.Run()

	// Cleanup
	db.Close()
	pg.Terminate(context.Background())

	os.Exit(code)
}

// newTestAgent builds an agent row with sane defaults.
func newTestAgent(prefix string) *Agent {
	return &Agent{
		Name:               prefix + "-" + uuid.New().String()[:8],
		Address:            "10.0.0.1:4850",
		APIKey:             "key-" + uuid.New().String()[:8],
		Capabilities:       []wire.Protocol{wire.ProtocolICMP, wire.ProtocolHTTP},
		Status:             AgentStatusOffline,
		MaxConcurrentTasks: 10,
		Enabled:            true,
	}
}

// newTestTask builds a task row owned by a random user.
func newTestTask(protocol wire.Protocol, target string) *Task {
	return &Task{
		UserID:           uuid.New(),
		Protocol:         protocol,
		Target:           target,
		FrequencySeconds: 60,
		TimeoutSeconds:   30,
		Priority:         1,
		Status:           TaskStatusActive,
	}
}

// ============================================================================
// MIGRATION TESTS
// ============================================================================

func TestMigrations(t *testing.T) {
	if !testutil.IsDockerAvailable() {
		t.Skip("Docker not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Create a fresh container for migration tests
	pg, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
	require.NoError(t, err)
	defer pg.Terminate(ctx)

	db, err := newDBFromContainer(ctx, pg)
	require.NoError(t, err)
	defer db.Close()

	t.Run("Up", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(db)
		require.NoError(t, err)

		count, err := migrator.Up(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "should apply 2 migrations")

		version, err := migrator.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, "20260301000002", version)
	})

	t.Run("Status", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(db)
		require.NoError(t, err)

		statuses, err := migrator.Status(ctx)
		require.NoError(t, err)
		assert.Len(t, statuses, 2)

		for _, s := range statuses {
			assert.True(t, s.Applied, "migration %s should be applied", s.Version)
			assert.NotNil(t, s.AppliedAt)
		}
	})

	t.Run("Down", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(db)
		require.NoError(t, err)

		err = migrator.Down(ctx)
		require.NoError(t, err)

		version, err := migrator.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, "20260301000001", version)
	})

	t.Run("Reset", func(t *testing.T) {
		migrator, err := NewEmbeddedMigrator(db)
		require.NoError(t, err)

		err = migrator.Reset(ctx)
		require.NoError(t, err)

		version, err := migrator.Version(ctx)
		require.NoError(t, err)
		assert.Equal(t, "20260301000002", version)
	})

	t.Run("Pending", func(t *testing.T) {
		pg2, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
		require.NoError(t, err)
		defer pg2.Terminate(ctx)

		db2, err := newDBFromContainer(ctx, pg2)
		require.NoError(t, err)
		defer db2.Close()

		migrator, err := NewEmbeddedMigrator(db2)
		require.NoError(t, err)

		pending, err := migrator.Pending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2, "should have 2 pending migrations")
	})
}

// ============================================================================
// AGENT REPOSITORY TESTS
// ============================================================================

func TestAgentRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepo(testDB.db)

	t.Run("Create", func(t *testing.T) {
		agent := newTestAgent("test-agent-create")

		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, agent.ID)
		assert.False(t, agent.RegisteredAt.IsZero())
		assert.False(t, agent.CreatedAt.IsZero())

		t.Cleanup(func() {
			repo.Delete(ctx, agent.ID)
		})
	})

	t.Run("Create_DuplicateName", func(t *testing.T) {
		agent1 := newTestAgent("test-agent-dup")
		err := repo.Create(ctx, agent1)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent1.ID)

		agent2 := newTestAgent("other")
		agent2.Name = agent1.Name
		err = repo.Create(ctx, agent2)
		assert.Error(t, err)
		assert.True(t, IsDuplicate(err))
	})

	t.Run("Get", func(t *testing.T) {
		agent := newTestAgent("test-agent-get")
		agent.Country = NullString("DE")
		agent.City = NullString("Berlin")
		agent.ISP = NullString("Hetzner")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, agent.Name, fetched.Name)
		assert.Equal(t, agent.APIKey, fetched.APIKey)
		assert.Equal(t, agent.Capabilities, fetched.Capabilities)
		assert.Equal(t, "DE", *fetched.Country)
		assert.Equal(t, "Berlin", *fetched.City)
		assert.Equal(t, 10, fetched.MaxConcurrentTasks)
		assert.True(t, fetched.Enabled)
	})

	t.Run("Get_NotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New())
		assert.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("GetByName", func(t *testing.T) {
		agent := newTestAgent("test-agent-byname")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		fetched, err := repo.GetByName(ctx, agent.Name)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, fetched.ID)
	})

	t.Run("Update", func(t *testing.T) {
		agent := newTestAgent("test-agent-update")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		originalUpdatedAt := agent.UpdatedAt
		time.Sleep(10 * time.Millisecond) // Ensure time difference

		agent.MaxConcurrentTasks = 20
		agent.Country = NullString("SE")

		err = repo.Update(ctx, agent)
		require.NoError(t, err)
		assert.True(t, agent.UpdatedAt.After(originalUpdatedAt))

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, fetched.MaxConcurrentTasks)
		assert.Equal(t, "SE", *fetched.Country)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		agent := newTestAgent("test-agent-status")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateStatus(ctx, agent.ID, AgentStatusBusy)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, AgentStatusBusy, fetched.Status)
	})

	t.Run("UpdateHeartbeat", func(t *testing.T) {
		agent := newTestAgent("test-agent-heartbeat")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateHeartbeat(ctx, agent.ID, AgentStatusOnline)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, AgentStatusOnline, fetched.Status)
		assert.NotNil(t, fetched.LastHeartbeat)
		assert.WithinDuration(t, time.Now(), *fetched.LastHeartbeat, 5*time.Second)
	})

	t.Run("UpdateLoad", func(t *testing.T) {
		agent := newTestAgent("test-agent-load")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateLoad(ctx, agent.ID, 42.5, 61.0, 12.0, 1.3)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.CPUUsage)
		assert.InDelta(t, 42.5, *fetched.CPUUsage, 0.001)
		assert.InDelta(t, 61.0, *fetched.MemoryUsage, 0.001)
		assert.True(t, fetched.LoadKnown())
	})

	t.Run("UpdateRollingStats", func(t *testing.T) {
		agent := newTestAgent("test-agent-stats")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateRollingStats(ctx, agent.ID, 0.95, 0.88, 123.4)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.95, fetched.Availability, 0.001)
		assert.InDelta(t, 0.88, fetched.SuccessRate, 0.001)
		assert.InDelta(t, 123.4, fetched.AvgResponseMs, 0.001)
	})

	t.Run("SetEnabled", func(t *testing.T) {
		agent := newTestAgent("test-agent-enabled")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.SetEnabled(ctx, agent.ID, false)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.False(t, fetched.Enabled)
	})

	t.Run("ListAvailable", func(t *testing.T) {
		agent := newTestAgent("test-agent-available")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		// Fresh heartbeat marks it online
		err = repo.UpdateHeartbeat(ctx, agent.ID, AgentStatusOnline)
		require.NoError(t, err)

		agents, err := repo.ListAvailable(ctx, 5*time.Minute)
		require.NoError(t, err)

		found := false
		for _, a := range agents {
			if a.ID == agent.ID {
				found = true
				break
			}
		}
		assert.True(t, found, "online agent with fresh heartbeat should be available")
	})

	t.Run("ListAvailable_ExcludesDisabled", func(t *testing.T) {
		agent := newTestAgent("test-agent-disabled")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateHeartbeat(ctx, agent.ID, AgentStatusOnline)
		require.NoError(t, err)
		err = repo.SetEnabled(ctx, agent.ID, false)
		require.NoError(t, err)

		agents, err := repo.ListAvailable(ctx, 5*time.Minute)
		require.NoError(t, err)

		for _, a := range agents {
			assert.NotEqual(t, agent.ID, a.ID, "disabled agent must not be available")
		}
	})

	t.Run("MarkOfflineStale", func(t *testing.T) {
		agent := newTestAgent("test-agent-stale")
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		err = repo.UpdateHeartbeat(ctx, agent.ID, AgentStatusOnline)
		require.NoError(t, err)

		// Cutoff in the future makes every heartbeat stale
		n, err := repo.MarkOfflineStale(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		fetched, err := repo.Get(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, AgentStatusOffline, fetched.Status)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		agent := newTestAgent("test-agent-count")
		agent.Status = AgentStatusMaintenance
		err := repo.Create(ctx, agent)
		require.NoError(t, err)
		defer repo.Delete(ctx, agent.ID)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, counts[AgentStatusMaintenance], int64(1))
	})
}

// ============================================================================
// TASK REPOSITORY TESTS
// ============================================================================

func TestTaskRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(testDB.db)

	t.Run("Create", func(t *testing.T) {
		task := newTestTask(wire.ProtocolHTTP, "https://example.com/health")
		task.Parameters = map[string]any{"method": "GET", "expect_status": float64(200)}

		err := repo.Create(ctx, task)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, task.ID)

		t.Cleanup(func() {
			repo.Delete(ctx, task.ID)
		})
	})

	t.Run("Get", func(t *testing.T) {
		port := 443
		task := newTestTask(wire.ProtocolTCP, "example.com")
		task.Port = &port
		task.PreferredCountry = NullString("US")
		err := repo.Create(ctx, task)
		require.NoError(t, err)
		defer repo.Delete(ctx, task.ID)

		fetched, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.Protocol, fetched.Protocol)
		assert.Equal(t, task.Target, fetched.Target)
		assert.Equal(t, 443, *fetched.Port)
		assert.Equal(t, "US", *fetched.PreferredCountry)
	})

	t.Run("Update", func(t *testing.T) {
		task := newTestTask(wire.ProtocolICMP, "8.8.8.8")
		err := repo.Create(ctx, task)
		require.NoError(t, err)
		defer repo.Delete(ctx, task.ID)

		task.FrequencySeconds = 300
		task.Priority = 2

		err = repo.Update(ctx, task)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 300, fetched.FrequencySeconds)
		assert.Equal(t, 2, fetched.Priority)
	})

	t.Run("GetDue", func(t *testing.T) {
		// One due task (next_run in past), one not due
		due := newTestTask(wire.ProtocolICMP, "1.1.1.1")
		past := time.Now().Add(-time.Minute)
		due.NextRunAt = &past
		due.Priority = 3
		err := repo.Create(ctx, due)
		require.NoError(t, err)
		defer repo.Delete(ctx, due.ID)

		notDue := newTestTask(wire.ProtocolICMP, "1.0.0.1")
		future := time.Now().Add(time.Hour)
		notDue.NextRunAt = &future
		err = repo.Create(ctx, notDue)
		require.NoError(t, err)
		defer repo.Delete(ctx, notDue.ID)

		tasks, err := repo.GetDue(ctx, time.Now(), 100)
		require.NoError(t, err)

		foundDue, foundNotDue := false, false
		for _, task := range tasks {
			if task.ID == due.ID {
				foundDue = true
			}
			if task.ID == notDue.ID {
				foundNotDue = true
			}
		}
		assert.True(t, foundDue, "past next_run task should be due")
		assert.False(t, foundNotDue, "future next_run task should not be due")
	})

	t.Run("GetDue_ExcludesPaused", func(t *testing.T) {
		task := newTestTask(wire.ProtocolICMP, "9.9.9.9")
		task.Status = TaskStatusPaused
		err := repo.Create(ctx, task)
		require.NoError(t, err)
		defer repo.Delete(ctx, task.ID)

		tasks, err := repo.GetDue(ctx, time.Now(), 100)
		require.NoError(t, err)
		for _, got := range tasks {
			assert.NotEqual(t, task.ID, got.ID, "paused task must not be due")
		}
	})

	t.Run("UpdateNextRun", func(t *testing.T) {
		task := newTestTask(wire.ProtocolUDP, "10.1.2.3")
		port := 53
		task.Port = &port
		err := repo.Create(ctx, task)
		require.NoError(t, err)
		defer repo.Delete(ctx, task.ID)

		next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		err = repo.UpdateNextRun(ctx, task.ID, next)
		require.NoError(t, err)

		fetched, err := repo.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.NextRunAt)
		assert.WithinDuration(t, next, *fetched.NextRunAt, time.Second)
	})

	t.Run("ListByUser", func(t *testing.T) {
		userID := uuid.New()
		for i := 0; i < 2; i++ {
			task := newTestTask(wire.ProtocolICMP, "192.0.2.1")
			task.UserID = userID
			err := repo.Create(ctx, task)
			require.NoError(t, err)
			defer repo.Delete(ctx, task.ID)
		}

		tasks, err := repo.ListByUser(ctx, userID, DefaultPagination())
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		task := newTestTask(wire.ProtocolICMP, "192.0.2.2")
		task.Status = TaskStatusFailed
		err := repo.Create(ctx, task)
		require.NoError(t, err)
		defer repo.Delete(ctx, task.ID)

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, counts[TaskStatusFailed], int64(1))
	})

	t.Run("FrequencyConstraint", func(t *testing.T) {
		task := newTestTask(wire.ProtocolICMP, "192.0.2.3")
		task.FrequencySeconds = 5 // Below minimum
		err := repo.Create(ctx, task)
		assert.Error(t, err, "check constraint should reject frequency below 10s")
	})
}

// ============================================================================
// RESULT REPOSITORY TESTS
// ============================================================================

func TestResultRepository(t *testing.T) {
	ctx := context.Background()
	agentRepo := NewAgentRepo(testDB.db)
	taskRepo := NewTaskRepo(testDB.db)
	resultRepo := NewResultRepo(testDB.db)

	// Create agent and task for results
	agent := newTestAgent("test-result-agent")
	err := agentRepo.Create(ctx, agent)
	require.NoError(t, err)
	defer agentRepo.Delete(ctx, agent.ID)

	task := newTestTask(wire.ProtocolHTTP, "https://example.com")
	err = taskRepo.Create(ctx, task)
	require.NoError(t, err)
	defer taskRepo.Delete(ctx, task.ID)

	t.Run("Create", func(t *testing.T) {
		durationMs := int64(150)
		result := &TaskResult{
			TaskID:     task.ID,
			AgentID:    agent.ID,
			Status:     ResultStatusSuccess,
			ExecutedAt: time.Now().UTC(),
			DurationMs: &durationMs,
			Metrics:    map[string]float64{"response_time": 150, "status_code": 200},
		}

		err := resultRepo.Create(ctx, result)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, result.ID)

		fetched, err := resultRepo.Get(ctx, result.ID)
		require.NoError(t, err)
		assert.Equal(t, ResultStatusSuccess, fetched.Status)
		assert.InDelta(t, 200, fetched.Metrics["status_code"], 0.001)
	})

	t.Run("BatchCreate", func(t *testing.T) {
		results := make([]TaskResult, 5)
		for i := 0; i < 5; i++ {
			durationMs := int64(i * 100)
			results[i] = TaskResult{
				TaskID:     task.ID,
				AgentID:    agent.ID,
				Status:     ResultStatusSuccess,
				ExecutedAt: time.Now().UTC(),
				DurationMs: &durationMs,
			}
		}

		err := resultRepo.BatchCreate(ctx, results)
		require.NoError(t, err)

		for _, r := range results {
			assert.NotEqual(t, uuid.Nil, r.ID)
		}
	})

	t.Run("ListByTask", func(t *testing.T) {
		results, err := resultRepo.ListByTask(ctx, task.ID, DefaultPagination())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(results), 1)

		// Newest first
		for i := 1; i < len(results); i++ {
			assert.False(t, results[i-1].ExecutedAt.Before(results[i].ExecutedAt))
		}
	})

	t.Run("LatestByTask", func(t *testing.T) {
		newest := &TaskResult{
			TaskID:     task.ID,
			AgentID:    agent.ID,
			Status:     ResultStatusTimeout,
			ExecutedAt: time.Now().Add(time.Hour).UTC(),
		}
		err := resultRepo.Create(ctx, newest)
		require.NoError(t, err)

		latest, err := resultRepo.LatestByTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, newest.ID, latest.ID)
	})

	t.Run("GetAgentPerformance", func(t *testing.T) {
		perf, err := resultRepo.GetAgentPerformance(ctx, agent.ID, time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, agent.ID, perf.AgentID)
		assert.Greater(t, perf.TotalResults, 0)
		assert.GreaterOrEqual(t, perf.SuccessRate, 0.0)
		assert.LessOrEqual(t, perf.SuccessRate, 1.0)
	})

	t.Run("GetAgentPerformance_NoHistory", func(t *testing.T) {
		perf, err := resultRepo.GetAgentPerformance(ctx, uuid.New(), time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, perf.TotalResults)
		assert.Equal(t, 0.0, perf.SuccessRate)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		old := &TaskResult{
			TaskID:     task.ID,
			AgentID:    agent.ID,
			Status:     ResultStatusError,
			ExecutedAt: time.Now().Add(-30 * 24 * time.Hour).UTC(),
		}
		err := resultRepo.Create(ctx, old)
		require.NoError(t, err)

		n, err := resultRepo.DeleteOlderThan(ctx, time.Now().Add(-14*24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, err = resultRepo.Get(ctx, old.ID)
		assert.True(t, IsNotFound(err))
	})
}

// ============================================================================
// REASSIGNMENT REPOSITORY TESTS
// ============================================================================

func TestReassignmentRepository(t *testing.T) {
	ctx := context.Background()
	taskRepo := NewTaskRepo(testDB.db)
	repo := NewReassignmentRepo(testDB.db)

	task := newTestTask(wire.ProtocolICMP, "198.51.100.1")
	err := taskRepo.Create(ctx, task)
	require.NoError(t, err)
	defer taskRepo.Delete(ctx, task.ID)

	t.Run("Create", func(t *testing.T) {
		toAgent := uuid.New()
		rec := &Reassignment{
			TaskID:      task.ID,
			FromAgentID: uuid.New(),
			ToAgentID:   &toAgent,
			Reason:      "agent went offline",
		}

		err := repo.Create(ctx, rec)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, rec.ID)
		assert.False(t, rec.CreatedAt.IsZero())
	})

	t.Run("Create_NoTargetAgent", func(t *testing.T) {
		rec := &Reassignment{
			TaskID:      task.ID,
			FromAgentID: uuid.New(),
			Reason:      "no replacement available",
		}

		err := repo.Create(ctx, rec)
		require.NoError(t, err)
	})

	t.Run("ListByTask", func(t *testing.T) {
		recs, err := repo.ListByTask(ctx, task.ID, DefaultPagination())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(recs), 2)
	})

	t.Run("CountByTaskSince", func(t *testing.T) {
		count, err := repo.CountByTaskSince(ctx, task.ID, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, int64(2))

		count, err = repo.CountByTaskSince(ctx, task.ID, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "no records should be that old yet")
	})
}

// ============================================================================
// TRANSACTION TESTS
// ============================================================================

func TestTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("Commit", func(t *testing.T) {
		var agentID uuid.UUID

		err := testDB.db.WithTx(ctx, func(tx pgx.Tx) error {
			name := "tx-test-commit-" + uuid.New().String()[:8]
			err := tx.QueryRow(ctx, `
				INSERT INTO agents (name, api_key)
				VALUES ($1, $2)
				RETURNING id
			`, name, "tx-key").Scan(&agentID)
			return err
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, agentID)

		// Verify committed
		repo := NewAgentRepo(testDB.db)
		agent, err := repo.Get(ctx, agentID)
		require.NoError(t, err)
		assert.NotNil(t, agent)

		// Cleanup
		repo.Delete(ctx, agentID)
	})

	t.Run("Rollback", func(t *testing.T) {
		name := "tx-test-rollback-" + uuid.New().String()[:8]
		var agentID uuid.UUID

		err := testDB.db.WithTx(ctx, func(tx pgx.Tx) error {
			err := tx.QueryRow(ctx, `
				INSERT INTO agents (name, api_key)
				VALUES ($1, $2)
				RETURNING id
			`, name, "tx-key").Scan(&agentID)
			if err != nil {
				return err
			}

			// Return error to trigger rollback
			return assert.AnError
		})
		require.Error(t, err)

		// Verify rolled back
		repo := NewAgentRepo(testDB.db)
		_, err = repo.GetByName(ctx, name)
		assert.True(t, IsNotFound(err), "agent should not exist after rollback")
	})
}

// ============================================================================
// DATABASE CONNECTION TESTS
// ============================================================================

func TestDatabaseConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("Health", func(t *testing.T) {
		err := testDB.db.Health(ctx)
		require.NoError(t, err)
	})

	t.Run("Stats", func(t *testing.T) {
		stats := testDB.db.Stats()
		assert.GreaterOrEqual(t, stats.MaxConns, int32(1))
		assert.GreaterOrEqual(t, stats.TotalConns, int32(0))
	})
}
