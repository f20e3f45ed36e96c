// Package metrics provides Prometheus metrics for the NetPulse platform.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles a private registry with the metric sets registered on it.
// Orchestrator and Agent are nil for the role that does not apply; every
// constructor gets its own registry so parallel tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	Orchestrator *OrchestratorMetrics
	Agent        *AgentMetrics
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return registry
}

// NewMetrics registers both metric sets. Used where one process hosts both
// roles, mostly in tests.
func NewMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry:     registry,
		Orchestrator: newOrchestratorMetrics(registry),
		Agent:        newAgentMetrics(registry),
	}
}

// NewOrchestratorMetrics registers the orchestrator metric set.
func NewOrchestratorMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry:     registry,
		Orchestrator: newOrchestratorMetrics(registry),
	}
}

// NewAgentMetrics registers the agent metric set.
func NewAgentMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry: registry,
		Agent:    newAgentMetrics(registry),
	}
}

// Handler serves the registry for /metrics scrapes.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
