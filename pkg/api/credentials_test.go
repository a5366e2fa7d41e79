package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/identity"
)

func TestValidateCredentials(t *testing.T) {
	t.Run("issues token and vaults credentials", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/api/validate-credentials", "", map[string]string{
			"access_key":    testAccessKey,
			"secret_key":    testSecretKey,
			"session_token": "tok",
		})
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeBody(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, testAccountID, body["account_id"])
		assert.Equal(t, testUserARN, body["user_arn"])

		p, err := env.tokens.Verify(body["token"].(string))
		require.NoError(t, err)
		assert.Equal(t, testUserARN, p.ARN)

		creds, err := env.vault.Get(p.Subject)
		require.NoError(t, err)
		assert.Equal(t, engine.Credentials{
			AccessKeyID:     testAccessKey,
			SecretAccessKey: testSecretKey,
			SessionToken:    "tok",
			Region:          engine.DefaultRegion,
		}, creds)

		assert.Equal(t, []audit.Action{audit.ActionValidateCredentials}, env.audit.actions())
		assert.True(t, env.audit.events[0].Success)
	})

	t.Run("missing keys", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/api/validate-credentials", "", map[string]string{"access_key": testAccessKey})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Access key and secret key are required", decodeBody(t, w)["error"])
		assert.Zero(t, env.vault.Len())
	})

	t.Run("malformed body", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/api/validate-credentials", "", "not an object")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.err = identity.ErrInvalidCredentials
		w := env.do(t, http.MethodPost, "/api/validate-credentials", "", map[string]string{
			"access_key": testAccessKey,
			"secret_key": testSecretKey,
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Invalid credentials", decodeBody(t, w)["error"])
		assert.Zero(t, env.vault.Len())
		require.Len(t, env.audit.events, 1)
		assert.False(t, env.audit.events[0].Success)
	})

	t.Run("identity service failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.err = errors.New("calling sts: connection refused")
		w := env.do(t, http.MethodPost, "/api/validate-credentials", "", map[string]string{
			"access_key": testAccessKey,
			"secret_key": testSecretKey,
		})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, decodeBody(t, w)["error"], "connection refused")
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	require.Equal(t, 1, env.vault.Len())

	w := env.do(t, http.MethodPost, "/api/logout", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, env.vault.Len())

	// The token still verifies but no longer resolves to credentials.
	w = env.do(t, http.MethodPost, "/api/run-reports", token, map[string]any{"reports": []string{"ce"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errNoCredentials, decodeBody(t, w)["error"])
	assert.Contains(t, env.audit.actions(), audit.ActionLogout)
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/run-reports"},
		{http.MethodGet, "/api/stream/abc"},
		{http.MethodGet, "/api/runs"},
		{http.MethodGet, "/api/download?path=x.xlsx"},
		{http.MethodPost, "/api/chat"},
		{http.MethodGet, "/api/audit"},
		{http.MethodPost, "/api/logout"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			w := env.do(t, route.method, route.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
		})
	}

	t.Run("forged token", func(t *testing.T) {
		other, err := auth.NewTokenService(auth.TokenConfig{
			Issuer:     "api-test",
			SigningKey: []byte("another-signing-key-0123456789abcdef"),
		})
		require.NoError(t, err)
		token, err := other.Issue(auth.Principal{
			Subject:   "forged",
			ARN:       testUserARN,
			ExpiresAt: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		w := env.do(t, http.MethodGet, "/api/runs", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
