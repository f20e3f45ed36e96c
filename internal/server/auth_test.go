package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/log"
)

func TestAuthRejectsMissingToken(t *testing.T) {
	s := newTestServer(&database.Repositories{Agents: &MockAgentRepo{}}, nil)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestAuthRejectsWrongToken(t *testing.T) {
	s := newTestServer(&database.Repositories{Agents: &MockAgentRepo{}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer not-the-token")
	rec := doRequest(t, s, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsMalformedScheme(t *testing.T) {
	s := newTestServer(&database.Repositories{Agents: &MockAgentRepo{}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Basic "+testAdminToken)
	rec := doRequest(t, s, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsHeaderToken(t *testing.T) {
	agents := &MockAgentRepo{}
	agents.On("List", mock.Anything, mock.Anything).Return([]database.Agent{}, nil)

	s := newTestServer(&database.Repositories{Agents: agents}, nil)
	rec := doRequest(t, s, authedRequest(http.MethodGet, "/api/v1/agents", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	agents := &MockAgentRepo{}
	agents.On("List", mock.Anything, mock.Anything).Return([]database.Agent{}, nil)

	s := newTestServer(&database.Repositories{Agents: agents}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents?token="+testAdminToken, nil)
	rec := doRequest(t, s, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzBypassesAuth(t *testing.T) {
	s := newTestServer(&database.Repositories{}, nil)

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsBackendFailure(t *testing.T) {
	cfg := DefaultHTTPConfig()
	cfg.AdminToken = testAdminToken
	s := NewHTTPServer(cfg, Deps{
		Repos:     &database.Repositories{},
		Scheduler: &stubScheduler{},
		Conns:     &stubTracker{},
		Queue:     &stubQueue{},
		Ready: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}, log.NewNop())

	rec := doRequest(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, tokenEqual("secret", "secret"))
	assert.False(t, tokenEqual("secret", "secret2"))
	assert.False(t, tokenEqual("", "secret"))
}
