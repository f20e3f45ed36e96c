package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
)

// stubRawStore records presign and delete calls against object storage.
type stubRawStore struct {
	url        string
	err        error
	presigned  []string
	deleted    []uuid.UUID
	lastExpiry time.Duration
}

func (s *stubRawStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	s.presigned = append(s.presigned, key)
	s.lastExpiry = expires
	return s.url, s.err
}

func (s *stubRawStore) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	s.deleted = append(s.deleted, taskID)
	return s.err
}

func newResultsServer(results *MockResultRepo, store RawPayloadStore) *HTTPServer {
	cfg := DefaultHTTPConfig()
	cfg.EnableCORS = false
	return newTestServerWithDeps(cfg, Deps{
		Repos:    &database.Repositories{Results: results},
		RawStore: store,
	})
}

func TestGetResult(t *testing.T) {
	id := uuid.New()
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id, Status: database.ResultStatusSuccess}, nil)

	s := newResultsServer(results, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var result database.TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, id, result.ID)
	results.AssertExpectations(t)
}

func TestGetResultNotFound(t *testing.T) {
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, mock.Anything).Return(nil, database.ErrNotFound)

	s := newResultsServer(results, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetResultRawInline(t *testing.T) {
	id := uuid.New()
	raw := []byte(`HTTP/1.1 200 OK` + "\r\n" + `Server: nginx`)
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id, RawData: raw}, nil)

	s := newResultsServer(results, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String()+"/raw", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, raw, rec.Body.Bytes())
}

func TestGetResultRawPresigned(t *testing.T) {
	id := uuid.New()
	path := "results/" + uuid.NewString() + "/" + uuid.NewString()
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id, RawDataPath: &path}, nil)

	store := &stubRawStore{url: "https://minio.example.com/payloads/" + path + "?sig=abc"}
	s := newResultsServer(results, store)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String()+"/raw", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp rawPayloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.url, resp.URL)
	assert.WithinDuration(t, time.Now().Add(rawURLTTL), resp.ExpiresAt, 5*time.Second)

	require.Len(t, store.presigned, 1)
	assert.Equal(t, path, store.presigned[0])
	assert.Equal(t, rawURLTTL, store.lastExpiry)
}

func TestGetResultRawOffloadedWithoutStore(t *testing.T) {
	id := uuid.New()
	path := "results/x/y"
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id, RawDataPath: &path}, nil)

	s := newResultsServer(results, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String()+"/raw", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetResultRawPresignFailure(t *testing.T) {
	id := uuid.New()
	path := "results/x/y"
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id, RawDataPath: &path}, nil)

	store := &stubRawStore{err: assert.AnError}
	s := newResultsServer(results, store)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String()+"/raw", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetResultRawNone(t *testing.T) {
	id := uuid.New()
	results := &MockResultRepo{}
	results.On("Get", mock.Anything, id).
		Return(&database.TaskResult{ID: id}, nil)

	s := newResultsServer(results, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/results/"+id.String()+"/raw", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTaskCleansRawPayloads(t *testing.T) {
	id := uuid.New()
	tasks := &MockTaskRepo{}
	tasks.On("Delete", mock.Anything, id).Return(nil)

	store := &stubRawStore{}
	cfg := DefaultHTTPConfig()
	cfg.EnableCORS = false
	s := newTestServerWithDeps(cfg, Deps{
		Repos:    &database.Repositories{Tasks: tasks},
		RawStore: store,
	})

	rec := doRequest(t, s, authedRequest(http.MethodDelete, "/api/v1/tasks/"+id.String(), nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, store.deleted, 1)
	assert.Equal(t, id, store.deleted[0])
}

func TestDeleteTaskToleratesRawCleanupFailure(t *testing.T) {
	id := uuid.New()
	tasks := &MockTaskRepo{}
	tasks.On("Delete", mock.Anything, id).Return(nil)

	store := &stubRawStore{err: assert.AnError}
	cfg := DefaultHTTPConfig()
	cfg.EnableCORS = false
	s := newTestServerWithDeps(cfg, Deps{
		Repos:    &database.Repositories{Tasks: tasks},
		RawStore: store,
	})

	rec := doRequest(t, s, authedRequest(http.MethodDelete, "/api/v1/tasks/"+id.String(), nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, store.deleted, 1)
}
