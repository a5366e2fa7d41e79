package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	env := newTestEnv(t)
	full := env.handler.deps

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"registry", func(d *Deps) { d.Registry = nil }},
		{"runner", func(d *Deps) { d.Runner = nil }},
		{"responder", func(d *Deps) { d.Responder = nil }},
		{"identity", func(d *Deps) { d.Identity = nil }},
		{"vault", func(d *Deps) { d.Vault = nil }},
		{"tokens", func(d *Deps) { d.Tokens = nil }},
		{"downloader", func(d *Deps) { d.Downloader = nil }},
		{"assistant", func(d *Deps) { d.Assistant = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := NewHandler(deps)
			assert.ErrorContains(t, err, "required")
		})
	}

	t.Run("optional collaborators", func(t *testing.T) {
		deps := full
		deps.History = nil
		deps.Audit = nil
		deps.Health = nil
		deps.Logger = nil
		h, err := NewHandler(deps)
		require.NoError(t, err)
		assert.NotNil(t, h.deps.Health)
	})
}

func TestHealthRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness is off until the platform finishes starting.
	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.handler.deps.Health.SetReady()
	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuditCarriesRequestID(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	require.Len(t, env.audit.events, 1)
	assert.NotEmpty(t, env.audit.events[0].RequestID)

	w := env.do(t, http.MethodGet, "/api/runs", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
