package server

import (
	"net/http"
	"time"
)

// rawURLTTL is how long presigned raw payload downloads stay valid.
const rawURLTTL = time.Hour

// rawPayloadResponse points the caller at an offloaded raw payload.
type rawPayloadResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *HTTPServer) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	result, err := s.deps.Repos.Results.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetResultRaw serves a result's raw probe payload. Small payloads
// are stored inline and returned directly; larger ones were offloaded to
// object storage and are answered with a presigned download URL instead.
func (s *HTTPServer) handleGetResultRaw(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	result, err := s.deps.Repos.Results.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	if len(result.RawData) > 0 {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(result.RawData)
		return
	}

	if result.RawDataPath == nil {
		writeError(w, http.StatusNotFound, "result has no raw payload")
		return
	}

	if s.deps.RawStore == nil {
		writeError(w, http.StatusServiceUnavailable, "raw payload storage not configured")
		return
	}

	url, err := s.deps.RawStore.PresignedURL(r.Context(), *result.RawDataPath, rawURLTTL)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("result_id", id.String()).
			Str("path", *result.RawDataPath).
			Msg("failed to presign raw payload")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, rawPayloadResponse{
		URL:       url,
		ExpiresAt: time.Now().Add(rawURLTTL).UTC(),
	})
}
