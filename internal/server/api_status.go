package server

import (
	"context"
	"net/http"
	"time"

	"github.com/netpulse/netpulse/internal/scheduler"
)

// statusResponse aggregates orchestrator state for operators.
type statusResponse struct {
	Agents    map[string]int64 `json:"agents"`
	Tasks     map[string]int64 `json:"tasks"`
	Pool      poolStatus       `json:"pool"`
	Scheduler scheduler.Stats  `json:"scheduler"`
	Queue     queueStatus      `json:"queue"`
	UptimeSec int64            `json:"uptime_seconds"`
}

// poolStatus mirrors the connection pool counters for serialization.
type poolStatus struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Agents        int `json:"agents"`
}

// queueStatus mirrors dispatch queue counters with readable priority keys.
type queueStatus struct {
	Depths   map[string]int `json:"depths"`
	Enqueued uint64         `json:"enqueued"`
	Dequeued uint64         `json:"dequeued"`
	Expired  uint64         `json:"expired"`
	Rejected uint64         `json:"rejected"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agentCounts, err := s.deps.Repos.Agents.CountByStatus(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count agents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	taskCounts, err := s.deps.Repos.Tasks.CountByStatus(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to count tasks")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	agents := make(map[string]int64, len(agentCounts))
	for status, n := range agentCounts {
		agents[string(status)] = n
	}
	tasks := make(map[string]int64, len(taskCounts))
	for status, n := range taskCounts {
		tasks[string(status)] = n
	}

	pool := s.deps.Conns.Stats()
	qs := s.deps.Queue.QueueStats()
	depths := make(map[string]int, len(qs.Depths))
	for prio, depth := range qs.Depths {
		depths[prio.String()] = depth
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Agents: agents,
		Tasks:  tasks,
		Pool: poolStatus{
			Connections:   pool.Connections,
			Authenticated: pool.Authenticated,
			Agents:        pool.Agents,
		},
		Scheduler: s.deps.Scheduler.Stats(),
		Queue: queueStatus{
			Depths:   depths,
			Enqueued: qs.Enqueued,
			Dequeued: qs.Dequeued,
			Expired:  qs.Expired,
			Rejected: qs.Rejected,
		},
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: %v", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
