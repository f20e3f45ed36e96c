package notification

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netpulse/netpulse/internal/wire"
)

// Rule routes a subset of events to a set of channels. Rules are loaded
// from a YAML file at startup; when no file is configured, DefaultRules
// routes every event to every configured channel.
type Rule struct {
	// Name identifies the rule in logs and in the throttle key.
	Name string `yaml:"name"`
	// Events lists the event types this rule fires on.
	Events []EventType `yaml:"events"`
	// Protocol restricts task events to probes of one protocol. Empty
	// matches every protocol. Agent events never match a
	// protocol-restricted rule.
	Protocol string `yaml:"protocol,omitempty"`
	// MinConsecutiveFailures suppresses task events until the failure
	// streak reaches this count. Zero or one fires on the first failure.
	MinConsecutiveFailures int `yaml:"min_consecutive_failures,omitempty"`
	// Channels names the channels this rule delivers to.
	Channels []string `yaml:"channels"`
}

// Validate checks the rule for structural problems.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Events) == 0 {
		return fmt.Errorf("rule %q: at least one event is required", r.Name)
	}
	for _, ev := range r.Events {
		if !ev.Valid() {
			return fmt.Errorf("rule %q: unknown event type %q", r.Name, ev)
		}
	}
	if r.Protocol != "" && !wire.Protocol(r.Protocol).Valid() {
		return fmt.Errorf("rule %q: unknown protocol %q", r.Name, r.Protocol)
	}
	if r.MinConsecutiveFailures < 0 {
		return fmt.Errorf("rule %q: min_consecutive_failures must not be negative", r.Name)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("rule %q: at least one channel is required", r.Name)
	}
	return nil
}

// matches checks whether the rule fires for the event. protocol is the
// probe protocol for task events and empty for agent events or when the
// task could not be resolved; a protocol-restricted rule matches
// neither.
func (r *Rule) matches(event *Event, protocol string) bool {
	eventMatches := false
	for _, t := range r.Events {
		if t == event.Type {
			eventMatches = true
			break
		}
	}
	if !eventMatches {
		return false
	}

	if r.Protocol != "" && r.Protocol != protocol {
		return false
	}

	if r.MinConsecutiveFailures > 1 && event.Type.taskEvent() && event.Failures < r.MinConsecutiveFailures {
		return false
	}

	return true
}

// rulesFile is the on-disk shape of the rules document.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var doc rulesFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rules file: %w", err)
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, fmt.Errorf("invalid rules file: duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}

	return doc.Rules, nil
}

// DefaultRules routes every event type to every given channel. Used
// when no rules file is configured.
func DefaultRules(channels []string) []Rule {
	if len(channels) == 0 {
		return nil
	}
	return []Rule{{
		Name: "default",
		Events: []EventType{
			EventAgentOffline,
			EventAgentRecovered,
			EventTaskFailed,
			EventTaskTimeout,
			EventTaskRecovered,
		},
		Channels: channels,
	}}
}

// RuleEngine matches events against rules and throttles repeat alerts.
// A rule fires at most once per throttleDuration for a given subject and
// event type.
type RuleEngine struct {
	rules []Rule

	// throttleCache tracks recent notifications for throttling.
	throttleCache map[string]time.Time
	throttleMu    sync.RWMutex
	// throttleDuration is how long to suppress duplicate notifications.
	throttleDuration time.Duration
}

// NewRuleEngine creates a rule engine over the given rules.
// throttleDuration <= 0 disables throttling.
func NewRuleEngine(rules []Rule, throttleDuration time.Duration) *RuleEngine {
	return &RuleEngine{
		rules:            rules,
		throttleCache:    make(map[string]time.Time),
		throttleDuration: throttleDuration,
	}
}

// Evaluate returns the rules that fire for the event, excluding rules
// still inside their throttle window.
func (e *RuleEngine) Evaluate(event *Event, protocol string) []Rule {
	var matches []Rule

	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.matches(event, protocol) {
			continue
		}
		if e.isThrottled(rule.Name, event) {
			continue
		}
		matches = append(matches, *rule)
	}

	return matches
}

// isThrottled checks whether the rule recently fired for this subject
// and event type.
func (e *RuleEngine) isThrottled(ruleName string, event *Event) bool {
	if e.throttleDuration <= 0 {
		return false
	}
	key := throttleKey(ruleName, event)

	e.throttleMu.RLock()
	lastSent, exists := e.throttleCache[key]
	e.throttleMu.RUnlock()

	return exists && time.Since(lastSent) < e.throttleDuration
}

// MarkSent records a delivery so the throttle applies to repeats.
func (e *RuleEngine) MarkSent(ruleName string, event *Event) {
	if e.throttleDuration <= 0 {
		return
	}
	key := throttleKey(ruleName, event)

	e.throttleMu.Lock()
	e.throttleCache[key] = time.Now()
	e.throttleMu.Unlock()
}

// CleanupThrottleCache removes expired entries so the cache does not
// grow with the subject population.
func (e *RuleEngine) CleanupThrottleCache() {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()

	now := time.Now()
	for key, lastSent := range e.throttleCache {
		if now.Sub(lastSent) > e.throttleDuration*2 {
			delete(e.throttleCache, key)
		}
	}
}

// throttleKey keys the throttle by rule, subject, and event type.
func throttleKey(ruleName string, event *Event) string {
	return ruleName + ":" + event.subject() + ":" + string(event.Type)
}
