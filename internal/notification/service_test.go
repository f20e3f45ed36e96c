package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// fakeChannel records deliveries for assertions.
type fakeChannel struct {
	name ChannelType
	err  error

	mu   sync.Mutex
	sent []*Notification
}

func (c *fakeChannel) Type() ChannelType { return c.name }
func (c *fakeChannel) Validate() error   { return nil }

func (c *fakeChannel) Send(_ context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) notifications() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

type stubTaskSource struct {
	task *database.Task
	err  error
}

func (s *stubTaskSource) Get(context.Context, uuid.UUID) (*database.Task, error) {
	return s.task, s.err
}

type stubAgentSource struct {
	agent *database.Agent
	err   error
}

func (s *stubAgentSource) Get(context.Context, uuid.UUID) (*database.Agent, error) {
	return s.agent, s.err
}

func newTestService(rules []Rule, channels map[string]Channel, tasks TaskSource, agents AgentSource) *Service {
	cfg := DefaultConfig()
	cfg.SendTimeout = time.Second
	cfg.ThrottleDuration = 0

	return &Service{
		config:     cfg,
		ruleEngine: NewRuleEngine(rules, cfg.ThrottleDuration),
		tracker:    newStateTracker(),
		channels:   channels,
		tasks:      tasks,
		agents:     agents,
		queue:      make(chan *Event, 16),
		metrics:    metrics.NewOrchestratorMetrics().Orchestrator,
		logger:     testLogger(),
	}
}

// drainOne processes a single queued event synchronously.
func drainOne(t *testing.T, s *Service) {
	t.Helper()
	select {
	case event := <-s.queue:
		s.process(context.Background(), event)
	default:
		t.Fatal("expected a queued event")
	}
}

func requireEmptyQueue(t *testing.T, s *Service) {
	t.Helper()
	select {
	case event := <-s.queue:
		t.Fatalf("unexpected queued event %s", event.Type)
	default:
	}
}

func icmpTask(id uuid.UUID) *database.Task {
	return &database.Task{
		ID:       id,
		Protocol: wire.ProtocolICMP,
		Target:   "example.com",
	}
}

func TestServiceAgentOfflineFlow(t *testing.T) {
	agentID := uuid.New()
	fake := &fakeChannel{name: ChannelTypeWebhook}
	agents := &stubAgentSource{agent: &database.Agent{ID: agentID, Name: "probe-eu-1"}}

	svc := newTestService(
		DefaultRules([]string{"webhook"}),
		map[string]Channel{"webhook": fake},
		nil, agents,
	)

	svc.PublishAgentStatus(agentID, "offline")
	drainOne(t, svc)

	sent := fake.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, EventAgentOffline, sent[0].Event)
	assert.Equal(t, "probe-eu-1", sent[0].AgentName)
	assert.Contains(t, sent[0].Title, "Agent Offline")

	// Recovery after the outage.
	svc.PublishAgentStatus(agentID, "online")
	drainOne(t, svc)

	sent = fake.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, EventAgentRecovered, sent[1].Event)
}

func TestServiceResultFailureAndRecovery(t *testing.T) {
	taskID := uuid.New()
	agentID := uuid.New()
	fake := &fakeChannel{name: ChannelTypeWebhook}

	svc := newTestService(
		DefaultRules([]string{"webhook"}),
		map[string]Channel{"webhook": fake},
		&stubTaskSource{task: icmpTask(taskID)},
		&stubAgentSource{agent: &database.Agent{ID: agentID, Name: "probe-eu-1"}},
	)

	errMsg := "destination unreachable"
	svc.PublishResult(&database.TaskResult{
		TaskID:       taskID,
		AgentID:      agentID,
		Status:       database.ResultStatusError,
		ErrorMessage: &errMsg,
	})
	drainOne(t, svc)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  database.ResultStatusTimeout,
	})
	drainOne(t, svc)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  database.ResultStatusSuccess,
	})
	drainOne(t, svc)

	sent := fake.notifications()
	require.Len(t, sent, 3)

	assert.Equal(t, EventTaskFailed, sent[0].Event)
	assert.Equal(t, 1, sent[0].Failures)
	assert.Equal(t, "destination unreachable", sent[0].Error)
	assert.Equal(t, "example.com", sent[0].Target)
	assert.Equal(t, "icmp", sent[0].Protocol)

	assert.Equal(t, EventTaskTimeout, sent[1].Event)
	assert.Equal(t, 2, sent[1].Failures)

	assert.Equal(t, EventTaskRecovered, sent[2].Event)
	assert.Equal(t, 2, sent[2].Failures)

	// A success with no streak behind it is quiet.
	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  database.ResultStatusSuccess,
	})
	requireEmptyQueue(t, svc)
}

func TestServiceIgnoresLifecycleEvents(t *testing.T) {
	taskID := uuid.New()
	fake := &fakeChannel{name: ChannelTypeWebhook}
	svc := newTestService(DefaultRules([]string{"webhook"}), map[string]Channel{"webhook": fake}, nil, nil)

	for _, event := range []string{"created", "updated", "assigned", "paused", "resumed", "cancelled", "agent_failed"} {
		svc.PublishTaskEvent(taskID, event, nil)
	}

	requireEmptyQueue(t, svc)
}

func TestServiceReaperTimeout(t *testing.T) {
	taskID := uuid.New()
	agentID := uuid.New()
	fake := &fakeChannel{name: ChannelTypeWebhook}

	svc := newTestService(
		DefaultRules([]string{"webhook"}),
		map[string]Channel{"webhook": fake},
		&stubTaskSource{task: icmpTask(taskID)},
		&stubAgentSource{agent: &database.Agent{ID: agentID, Name: "probe-eu-1"}},
	)

	svc.PublishTaskEvent(taskID, "timeout", map[string]any{"agent_id": agentID.String()})
	drainOne(t, svc)

	sent := fake.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, EventTaskTimeout, sent[0].Event)
	assert.Equal(t, 1, sent[0].Failures)
	assert.Equal(t, "probe-eu-1", sent[0].AgentName)
}

func TestServiceDedupesChannels(t *testing.T) {
	taskID := uuid.New()
	primary := &fakeChannel{name: ChannelTypeWebhook}
	secondary := &fakeChannel{name: ChannelTypeSlack}

	rules := []Rule{
		{Name: "all-failures", Events: []EventType{EventTaskFailed}, Channels: []string{"webhook"}},
		{Name: "icmp-failures", Events: []EventType{EventTaskFailed}, Protocol: "icmp", Channels: []string{"webhook", "slack"}},
	}

	svc := newTestService(
		rules,
		map[string]Channel{"webhook": primary, "slack": secondary},
		&stubTaskSource{task: icmpTask(taskID)},
		nil,
	)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: uuid.New(),
		Status:  database.ResultStatusError,
	})
	drainOne(t, svc)

	assert.Len(t, primary.notifications(), 1, "two matching rules still deliver once per channel")
	assert.Len(t, secondary.notifications(), 1)
}

func TestServiceProtocolRulesFailClosed(t *testing.T) {
	taskID := uuid.New()
	restricted := &fakeChannel{name: ChannelTypeSlack}
	catchall := &fakeChannel{name: ChannelTypeWebhook}

	rules := []Rule{
		{Name: "icmp-only", Events: []EventType{EventTaskFailed}, Protocol: "icmp", Channels: []string{"slack"}},
		{Name: "everything", Events: []EventType{EventTaskFailed}, Channels: []string{"webhook"}},
	}

	svc := newTestService(
		rules,
		map[string]Channel{"slack": restricted, "webhook": catchall},
		&stubTaskSource{err: errors.New("db down")},
		nil,
	)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: uuid.New(),
		Status:  database.ResultStatusError,
	})
	drainOne(t, svc)

	assert.Empty(t, restricted.notifications(),
		"protocol rules cannot match when the task is unresolvable")
	assert.Len(t, catchall.notifications(), 1)
}

func TestServiceUnknownChannelIsSkipped(t *testing.T) {
	taskID := uuid.New()
	fake := &fakeChannel{name: ChannelTypeWebhook}

	rules := []Rule{
		{Name: "r", Events: []EventType{EventTaskFailed}, Channels: []string{"pager", "webhook"}},
	}

	svc := newTestService(rules, map[string]Channel{"webhook": fake}, nil, nil)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: uuid.New(),
		Status:  database.ResultStatusError,
	})
	drainOne(t, svc)

	assert.Len(t, fake.notifications(), 1)
}

func TestServiceDeliveryErrorDoesNotBlockOthers(t *testing.T) {
	taskID := uuid.New()
	failing := &fakeChannel{name: ChannelTypeSlack, err: errors.New("boom")}
	working := &fakeChannel{name: ChannelTypeWebhook}

	svc := newTestService(
		DefaultRules([]string{"slack", "webhook"}),
		map[string]Channel{"slack": failing, "webhook": working},
		nil, nil,
	)

	svc.PublishResult(&database.TaskResult{
		TaskID:  taskID,
		AgentID: uuid.New(),
		Status:  database.ResultStatusError,
	})
	drainOne(t, svc)

	assert.Len(t, working.notifications(), 1)
}

func TestServiceEnqueueDropsWhenFull(t *testing.T) {
	fake := &fakeChannel{name: ChannelTypeWebhook}
	svc := newTestService(DefaultRules([]string{"webhook"}), map[string]Channel{"webhook": fake}, nil, nil)
	svc.queue = make(chan *Event, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.PublishAgentStatus(uuid.New(), "offline")
		svc.PublishAgentStatus(uuid.New(), "offline")
		svc.PublishAgentStatus(uuid.New(), "offline")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("intake blocked on a full queue")
	}

	assert.Len(t, svc.queue, 1)
}

func TestServiceStartStop(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.WebhookURL = server.URL
	cfg.WebhookSecret = "s3cret"
	cfg.RetryBackoff = time.Millisecond

	svc, err := NewService(cfg, nil, nil, nil, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	require.Error(t, svc.Start(context.Background()), "second start must fail")

	svc.PublishAgentStatus(uuid.New(), "offline")

	select {
	case body := <-received:
		var payload WebhookPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "agent_offline", payload.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.NoError(t, svc.Stop(stopCtx), "stopping twice is harmless")
}

func TestNewServiceRequiresChannel(t *testing.T) {
	_, err := NewService(DefaultConfig(), nil, nil, nil, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no notification channels configured")
}

func TestNewServiceDefaultRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebhookURL = "http://127.0.0.1:1/hook"
	cfg.SlackWebhookURL = "http://127.0.0.1:1/slack"

	svc, err := NewService(cfg, nil, nil, nil, nil, testLogger())
	require.NoError(t, err)

	require.Len(t, svc.ruleEngine.rules, 1)
	rule := svc.ruleEngine.rules[0]
	assert.Equal(t, "default", rule.Name)
	assert.Len(t, rule.Events, 5)
	assert.ElementsMatch(t, []string{"slack", "webhook"}, rule.Channels)
}

func TestNewServiceInvalidEmail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Email.SMTPHost = "smtp.example.com"
	cfg.Email.SMTPPort = 587
	// No from address or recipients.

	_, err := NewService(cfg, nil, nil, nil, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid email channel")
}
