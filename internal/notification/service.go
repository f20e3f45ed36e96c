package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// TaskSource resolves tasks for alert rendering and protocol matching.
type TaskSource interface {
	Get(ctx context.Context, id uuid.UUID) (*database.Task, error)
}

// AgentSource resolves agents for alert rendering.
type AgentSource interface {
	Get(ctx context.Context, id uuid.UUID) (*database.Agent, error)
}

// Config holds configuration for the notification service.
type Config struct {
	// WorkerCount is the number of delivery worker goroutines.
	WorkerCount int
	// QueueSize is the size of the event intake queue.
	QueueSize int
	// SendTimeout bounds one delivery attempt including lookups.
	SendTimeout time.Duration
	// ThrottleDuration is how long a rule stays quiet after firing for
	// a given subject and event type.
	ThrottleDuration time.Duration
	// RetryAttempts is the per-channel delivery attempt count.
	RetryAttempts int
	// RetryBackoff is the base delay between delivery retries.
	RetryBackoff time.Duration

	// WebhookURL enables the generic webhook channel when set.
	WebhookURL string
	// WebhookSecret signs webhook payloads when set.
	WebhookSecret string
	// SlackWebhookURL enables the Slack channel when set.
	SlackWebhookURL string
	// Email enables the email channel when its SMTPHost is set.
	Email EmailSettings
}

// EmailSettings contains SMTP configuration for email notifications.
type EmailSettings struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Recipients  []string
	UseTLS      bool
	SkipVerify  bool
	ConnTimeout time.Duration
}

// DefaultConfig returns a default configuration with no channels.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      5,
		QueueSize:        1000,
		SendTimeout:      30 * time.Second,
		ThrottleDuration: time.Minute,
		RetryAttempts:    3,
		RetryBackoff:     5 * time.Second,
		Email: EmailSettings{
			ConnTimeout: 30 * time.Second,
		},
	}
}

// Service turns platform events into alerts. It implements
// events.Publisher so it can sit next to the operator event stream in a
// MultiPublisher: intake methods never block, events are queued and a
// worker pool resolves, matches, and delivers them.
type Service struct {
	config     Config
	ruleEngine *RuleEngine
	tracker    *stateTracker
	channels   map[string]Channel
	tasks      TaskSource
	agents     AgentSource
	queue      chan *Event
	metrics    *metrics.OrchestratorMetrics
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	started    bool
	startMu    sync.Mutex
}

var _ events.Publisher = (*Service)(nil)

// NewService creates a notification service with channels built from
// the configuration. tasks and agents may be nil; alerts then go out
// without names, targets, or protocol matching.
func NewService(config Config, rules []Rule, tasks TaskSource, agents AgentSource, m *metrics.OrchestratorMetrics, logger *slog.Logger) (*Service, error) {
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig()
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}

	logger = logger.With("component", "notification_service")

	channels, err := buildChannels(config, logger)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no notification channels configured")
	}

	if len(rules) == 0 {
		names := make([]string, 0, len(channels))
		for name := range channels {
			names = append(names, name)
		}
		sort.Strings(names)
		rules = DefaultRules(names)
	}

	return &Service{
		config:     config,
		ruleEngine: NewRuleEngine(rules, config.ThrottleDuration),
		tracker:    newStateTracker(),
		channels:   channels,
		tasks:      tasks,
		agents:     agents,
		queue:      make(chan *Event, config.QueueSize),
		metrics:    m,
		logger:     logger,
	}, nil
}

// buildChannels constructs one channel per configured destination,
// keyed by the name rules reference it under.
func buildChannels(config Config, logger *slog.Logger) (map[string]Channel, error) {
	retry := retryPolicy{attempts: config.RetryAttempts, backoff: config.RetryBackoff}
	channels := make(map[string]Channel)

	if config.WebhookURL != "" {
		ch := NewWebhookChannel(WebhookConfig{
			URL:    config.WebhookURL,
			Secret: config.WebhookSecret,
			Retry:  retry,
		}, logger)
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("invalid webhook channel: %w", err)
		}
		channels[string(ChannelTypeWebhook)] = ch
	}

	if config.SlackWebhookURL != "" {
		ch := NewSlackChannel(SlackConfig{
			WebhookURL: config.SlackWebhookURL,
			Retry:      retry,
		}, logger)
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("invalid slack channel: %w", err)
		}
		channels[string(ChannelTypeSlack)] = ch
	}

	if config.Email.SMTPHost != "" {
		ch, err := NewEmailChannel(EmailConfig{
			SMTPHost:    config.Email.SMTPHost,
			SMTPPort:    config.Email.SMTPPort,
			Username:    config.Email.Username,
			Password:    config.Email.Password,
			FromAddress: config.Email.FromAddress,
			FromName:    config.Email.FromName,
			Recipients:  config.Email.Recipients,
			UseTLS:      config.Email.UseTLS,
			SkipVerify:  config.Email.SkipVerify,
			ConnTimeout: config.Email.ConnTimeout,
			Retry:       retry,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("invalid email channel: %w", err)
		}
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("invalid email channel: %w", err)
		}
		channels[string(ChannelTypeEmail)] = ch
	}

	return channels, nil
}

// Start launches the delivery workers and the maintenance loop.
func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		return fmt.Errorf("service already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	s.started = true
	s.logger.Info("notification service started",
		"workers", s.config.WorkerCount,
		"queue_size", s.config.QueueSize,
		"channels", len(s.channels),
	)

	return nil
}

// Stop gracefully stops the notification service.
func (s *Service) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("stopping notification service")

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("notification service stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("notification service stop timed out")
		return ctx.Err()
	}

	for _, channel := range s.channels {
		if closer, ok := channel.(io.Closer); ok {
			closer.Close()
		}
	}

	s.started = false
	return nil
}

// PublishAgentStatus records an agent status transition and queues any
// resulting alert.
func (s *Service) PublishAgentStatus(agentID uuid.UUID, status string) {
	if event := s.tracker.agentStatus(agentID, database.AgentStatus(status)); event != nil {
		s.enqueue(event)
	}
}

// PublishTaskEvent consumes task lifecycle events. Only scheduler-reaped
// timeouts become alerts; those write their synthetic results straight
// to the store and never pass through PublishResult.
func (s *Service) PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any) {
	if event != "timeout" {
		return
	}

	var agentID *uuid.UUID
	if raw, ok := detail["agent_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			agentID = &id
		}
	}

	if ev := s.tracker.taskOutcome(taskID, agentID, database.ResultStatusTimeout, ""); ev != nil {
		s.enqueue(ev)
	}
}

// PublishResult consumes collected probe results, tracking failure
// streaks and recoveries.
func (s *Service) PublishResult(result *database.TaskResult) {
	if result == nil {
		return
	}

	errMsg := ""
	if result.ErrorMessage != nil {
		errMsg = *result.ErrorMessage
	}
	agentID := result.AgentID

	if ev := s.tracker.taskOutcome(result.TaskID, &agentID, result.Status, errMsg); ev != nil {
		s.enqueue(ev)
	}
}

// enqueue hands an event to the worker pool without blocking the
// publisher. A full queue drops the event.
func (s *Service) enqueue(event *Event) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("notification queue full, dropping event",
			"event", event.Type,
		)
	}
}

// worker processes events from the intake queue.
func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	s.logger.Debug("notification worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("notification worker stopping", "worker_id", id)
			return
		case event, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(ctx, event)
		}
	}
}

// process resolves the event's subjects, matches rules, and delivers to
// each distinct channel the matched rules name.
func (s *Service) process(ctx context.Context, event *Event) {
	resolveCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	task, agent := s.resolve(resolveCtx, event)
	cancel()

	protocol := ""
	if task != nil {
		protocol = string(task.Protocol)
	}

	matches := s.ruleEngine.Evaluate(event, protocol)
	if len(matches) == 0 {
		return
	}

	notification := s.render(event, task, agent)

	// One delivery per channel per event, even when several rules
	// route to it.
	channelNames := make(map[string]struct{})
	for i := range matches {
		s.ruleEngine.MarkSent(matches[i].Name, event)
		for _, name := range matches[i].Channels {
			channelNames[name] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(channelNames))
	for name := range channelNames {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		channel, ok := s.channels[name]
		if !ok {
			s.logger.Warn("rule references unknown channel", "channel", name)
			continue
		}
		s.deliver(ctx, channel, notification)
	}
}

// resolve looks up the task and agent an event refers to. Lookups are
// best effort; a missing subject degrades the alert text, and task
// lookup failures additionally keep protocol-restricted rules from
// matching.
func (s *Service) resolve(ctx context.Context, event *Event) (*database.Task, *database.Agent) {
	var task *database.Task
	if event.TaskID != nil && s.tasks != nil {
		t, err := s.tasks.Get(ctx, *event.TaskID)
		if err != nil {
			s.logger.Warn("failed to resolve task for notification",
				"task_id", *event.TaskID,
				"error", err,
			)
		} else {
			task = t
		}
	}

	var agent *database.Agent
	if event.AgentID != nil && s.agents != nil {
		a, err := s.agents.Get(ctx, *event.AgentID)
		if err != nil {
			s.logger.Warn("failed to resolve agent for notification",
				"agent_id", *event.AgentID,
				"error", err,
			)
		} else {
			agent = a
		}
	}

	return task, agent
}

// render builds the notification for an event.
func (s *Service) render(event *Event, task *database.Task, agent *database.Agent) *Notification {
	createdAt := event.At
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	notification := &Notification{
		ID:        uuid.New(),
		Event:     event.Type,
		AgentID:   event.AgentID,
		TaskID:    event.TaskID,
		Failures:  event.Failures,
		Error:     event.Error,
		CreatedAt: createdAt,
	}
	if agent != nil {
		notification.AgentName = agent.Name
	}
	if task != nil {
		notification.Protocol = string(task.Protocol)
		notification.Target = task.Target
	}
	notification.Title, notification.Message = RenderTemplate(notification)
	return notification
}

// deliver sends one notification through one channel and records the
// outcome.
func (s *Service) deliver(ctx context.Context, channel Channel, notification *Notification) {
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	err := channel.Send(sendCtx, notification)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		s.metrics.RecordNotificationSent(string(channel.Type()), "error")
		s.logger.Error("failed to send notification",
			"channel", channel.Type(),
			"event", notification.Event,
			"error", err,
		)
		return
	}

	s.metrics.RecordNotificationSent(string(channel.Type()), "success")
	s.logger.Info("notification sent",
		"channel", channel.Type(),
		"event", notification.Event,
		"latency_ms", latency,
	)
}

// maintenanceLoop periodically prunes the throttle cache and idle
// failure streaks.
func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ruleEngine.CleanupThrottleCache()
			s.tracker.sweep(streakRetention)
		}
	}
}
