package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

func testBalancerConfig() BalancerConfig {
	return BalancerConfig{
		RebalanceInterval:  time.Hour,
		VarianceThreshold:  0.1,
		RatioDiffThreshold: 0.3,
		AvailabilityWindow: 2 * time.Minute,
	}
}

func newTestBalancer(cfg BalancerConfig, counts map[uuid.UUID]int) (*LoadBalancer, *MockAgentRepo) {
	agents := new(MockAgentRepo)
	b := NewLoadBalancer(agents, stubExecutions{counts: counts}, nil, testLogger(), cfg)
	return b, agents
}

func capAgent(maxConcurrent int) database.Agent {
	a := onlineAgent(wire.ProtocolHTTP)
	a.MaxConcurrentTasks = maxConcurrent
	return a
}

func TestLoadBalancer_RebalanceSuggestsMoves(t *testing.T) {
	ctx := context.Background()

	hot := capAgent(10)
	idle := capAgent(10)
	counts := map[uuid.UUID]int{hot.ID: 10, idle.ID: 0}

	b, agents := newTestBalancer(testBalancerConfig(), counts)
	agents.On("ListAvailable", ctx, 2*time.Minute).
		Return([]database.Agent{hot, idle}, nil).Once()

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, hot.ID, moves[0].FromAgentID)
	assert.Equal(t, idle.ID, moves[0].ToAgentID)
	assert.Equal(t, 1.0, moves[0].FromRatio)
	assert.Equal(t, 0.0, moves[0].ToRatio)
}

func TestLoadBalancer_RebalanceSkipsBalancedFleet(t *testing.T) {
	ctx := context.Background()

	one := capAgent(10)
	two := capAgent(10)
	counts := map[uuid.UUID]int{one.ID: 5, two.ID: 5}

	b, agents := newTestBalancer(testBalancerConfig(), counts)
	agents.On("ListAvailable", ctx, mock.Anything).
		Return([]database.Agent{one, two}, nil).Once()

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Nil(t, moves, "no moves when the spread is within the variance threshold")
}

func TestLoadBalancer_RebalanceNeedsTwoAgents(t *testing.T) {
	ctx := context.Background()

	only := capAgent(10)
	b, agents := newTestBalancer(testBalancerConfig(), map[uuid.UUID]int{only.ID: 10})
	agents.On("ListAvailable", ctx, mock.Anything).
		Return([]database.Agent{only}, nil).Once()

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Nil(t, moves)
}

func TestLoadBalancer_RebalanceRateLimited(t *testing.T) {
	ctx := context.Background()

	hot := capAgent(10)
	idle := capAgent(10)
	counts := map[uuid.UUID]int{hot.ID: 10}

	b, agents := newTestBalancer(testBalancerConfig(), counts)
	agents.On("ListAvailable", ctx, mock.Anything).
		Return([]database.Agent{hot, idle}, nil).Once()

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, moves)

	// The second pass inside the interval must not even hit the repository.
	moves, err = b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Nil(t, moves)
	agents.AssertNumberOfCalls(t, "ListAvailable", 1)
}

func TestLoadBalancer_RebalanceIgnoresSmallGaps(t *testing.T) {
	ctx := context.Background()

	// Variance above the threshold, but no pairwise gap exceeds 0.3 with
	// four agents spread evenly.
	a1, a2, a3, a4 := capAgent(10), capAgent(10), capAgent(10), capAgent(10)
	counts := map[uuid.UUID]int{a1.ID: 9, a2.ID: 9, a3.ID: 2, a4.ID: 2}

	cfg := testBalancerConfig()
	cfg.RatioDiffThreshold = 0.8
	b, agents := newTestBalancer(cfg, counts)
	agents.On("ListAvailable", ctx, mock.Anything).
		Return([]database.Agent{a1, a2, a3, a4}, nil).Once()

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	assert.Empty(t, moves, "gaps below the ratio threshold are not worth a move")
}

func TestLoadBalancer_Suggestions(t *testing.T) {
	ctx := context.Background()

	hot := capAgent(10)
	idle := capAgent(10)
	counts := map[uuid.UUID]int{hot.ID: 10}

	b, agents := newTestBalancer(testBalancerConfig(), counts)
	agents.On("ListAvailable", ctx, mock.Anything).
		Return([]database.Agent{hot, idle}, nil).Once()

	before, at := b.Suggestions()
	assert.Empty(t, before)
	assert.True(t, at.IsZero())

	moves, err := b.Rebalance(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, moves)

	after, at := b.Suggestions()
	assert.Equal(t, moves, after)
	assert.False(t, at.IsZero())
}

func TestLoadBalancer_StartStop(t *testing.T) {
	ctx := context.Background()

	b, _ := newTestBalancer(testBalancerConfig(), nil)

	require.NoError(t, b.Start(ctx))
	require.Error(t, b.Start(ctx), "double start is rejected")
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx), "stop is idempotent")
}

func TestVariance(t *testing.T) {
	assert.Equal(t, 0.0, variance(nil))
	assert.Equal(t, 0.0, variance([]float64{0.5, 0.5, 0.5}))
	assert.InDelta(t, 0.25, variance([]float64{0, 1}), 1e-9)
}
