package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// createAgentRequest is the body for registering a new probe agent.
type createAgentRequest struct {
	Name               string          `json:"name"`
	Address            string          `json:"address"`
	Country            *string         `json:"country,omitempty"`
	City               *string         `json:"city,omitempty"`
	Latitude           *float64        `json:"latitude,omitempty"`
	Longitude          *float64        `json:"longitude,omitempty"`
	ISP                *string         `json:"isp,omitempty"`
	Capabilities       []wire.Protocol `json:"capabilities,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks,omitempty"`
}

// createAgentResponse returns the created agent together with its API
// key. The key is shown exactly once; the agent model never serializes it.
type createAgentResponse struct {
	Agent  *database.Agent `json:"agent"`
	APIKey string          `json:"api_key"`
}

func (s *HTTPServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	page := parsePagination(r)

	var (
		agents []database.Agent
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		agents, err = s.deps.Repos.Agents.ListByStatus(r.Context(), database.AgentStatus(status), page)
	} else {
		agents, err = s.deps.Repos.Agents.List(r.Context(), page)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list agents")
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(agents, page))
}

func (s *HTTPServer) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	for _, p := range req.Capabilities {
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "unknown protocol %q", p)
			return
		}
	}
	if req.MaxConcurrentTasks <= 0 {
		req.MaxConcurrentTasks = 10
	}

	key, err := newAPIKey()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate API key")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	agent := &database.Agent{
		Name:               req.Name,
		Address:            req.Address,
		APIKey:             key,
		Country:            req.Country,
		City:               req.City,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		ISP:                req.ISP,
		Capabilities:       req.Capabilities,
		Status:             database.AgentStatusOffline,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Enabled:            true,
	}

	if err := s.deps.Repos.Agents.Create(r.Context(), agent); err != nil {
		s.logger.Error().Err(err).Str("name", req.Name).Msg("failed to create agent")
		writeRepoError(w, err)
		return
	}

	s.logger.Info().
		Str("agent_id", agent.ID.String()).
		Str("name", agent.Name).
		Msg("agent registered")

	writeJSON(w, http.StatusCreated, createAgentResponse{Agent: agent, APIKey: key})
}

func (s *HTTPServer) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	agent, err := s.deps.Repos.Agents.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

func (s *HTTPServer) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.deps.Repos.Agents.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err)
		return
	}

	s.logger.Info().Str("agent_id", id.String()).Msg("agent deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, true)
}

func (s *HTTPServer) handleDisableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, false)
}

func (s *HTTPServer) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.deps.Repos.Agents.SetEnabled(r.Context(), id, enabled); err != nil {
		writeRepoError(w, err)
		return
	}

	s.logger.Info().
		Str("agent_id", id.String()).
		Bool("enabled", enabled).
		Msg("agent enabled flag updated")

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListAgentResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	page := parsePagination(r)
	results, err := s.deps.Repos.Results.ListByAgent(r.Context(), id, page)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(results, page))
}

// newAPIKey generates a 256-bit random key, hex encoded.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
