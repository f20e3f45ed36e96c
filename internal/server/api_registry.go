package server

import (
	"errors"
	"net/http"

	"github.com/netpulse/netpulse/internal/registry"
)

// handleApplyManifests accepts a YAML manifest set and reconciles the
// declared probe tasks with the store. This is what `netpulse-ctl apply`
// posts to.
func (s *HTTPServer) handleApplyManifests(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manifests == nil {
		writeError(w, http.StatusServiceUnavailable, "manifest registry not configured")
		return
	}

	manifests, err := registry.ParseManifests(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	result, err := s.deps.Manifests.Apply(r.Context(), manifests)
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		s.logger.Error().Err(err).Msg("failed to apply manifests")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("unchanged", result.Unchanged).
		Int("errors", len(result.Errors)).
		Msg("manifests applied")

	writeJSON(w, http.StatusOK, result)
}
