// Package health aggregates component health checks behind the readiness
// endpoint.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Check represents a single component health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// Check performs the health check and returns an error if unhealthy.
	Check(ctx context.Context) error
}

// CheckFunc adapts a plain function to the Check interface.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name returns the name of the health check.
func (c CheckFunc) Name() string { return c.CheckName }

// Check runs the wrapped function.
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Registry holds named checks and evaluates them together.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a check. Checks run in registration order.
func (r *Registry) Add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Check runs every registered check and returns a combined error naming
// each failing component. A registry with no checks is healthy.
func (r *Registry) Check(ctx context.Context) error {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	var failures []string
	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", c.Name(), err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("unhealthy: %s", strings.Join(failures, "; "))
	}
	return nil
}

// Results runs every registered check and returns per-component results.
// Checks implementing DetailedCheck contribute their detailed result.
func (r *Registry) Results(ctx context.Context) []Result {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		if dc, ok := c.(DetailedCheck); ok {
			results = append(results, dc.CheckDetailed(ctx))
			continue
		}
		result := Result{Name: c.Name(), Status: StatusHealthy}
		if err := c.Check(ctx); err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
		}
		results = append(results, result)
	}
	return results
}

// DetailedCheck is an optional extension for checks that can report a
// degraded state with details.
type DetailedCheck interface {
	Check
	CheckDetailed(ctx context.Context) Result
}
