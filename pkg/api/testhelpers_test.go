package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txn2/cost-report-runner/pkg/artifact"
	"github.com/txn2/cost-report-runner/pkg/assistant"
	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/credential"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/identity"
	"github.com/txn2/cost-report-runner/pkg/session"
	"github.com/txn2/cost-report-runner/pkg/stream"
)

const (
	testSigningKey = "api-test-signing-key-0123456789abcdef"
	testAccessKey  = "AKIATESTEXAMPLE"
	testSecretKey  = "secret/example"
	testAccountID  = "123456789012"
	testUserARN    = "arn:aws:iam::123456789012:user/analyst"
	testOtherARN   = "arn:aws:iam::123456789012:user/someone-else"
)

// --- Fake identity checker ---

type fakeIdentity struct {
	id  identity.Identity
	err error
}

func (f *fakeIdentity) Check(context.Context, engine.Credentials) (identity.Identity, error) {
	return f.id, f.err
}

// Verify interface compliance.
var _ identity.Checker = (*fakeIdentity)(nil)

// --- Fake launcher ---

type launch struct {
	sessionID string
	req       engine.Request
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	calls []launch
}

func (f *fakeLauncher) Start(sessionID string, req engine.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, launch{sessionID: sessionID, req: req})
	return nil
}

func (f *fakeLauncher) launches() []launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launch(nil), f.calls...)
}

// Verify interface compliance.
var _ Launcher = (*fakeLauncher)(nil)

// --- Fake assistant ---

type fakeAssistant struct {
	mu     sync.Mutex
	answer string
	err    error
	got    []assistant.Request
}

func (f *fakeAssistant) Ask(_ context.Context, req assistant.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	return f.answer, f.err
}

// Verify interface compliance.
var _ assistant.Assistant = (*fakeAssistant)(nil)

// --- Recording audit logger ---

type recordingAudit struct {
	mu       sync.Mutex
	events   []audit.Event
	lastFilt audit.QueryFilter
	queryErr error
}

func (a *recordingAudit) Log(_ context.Context, ev audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Query(_ context.Context, f audit.QueryFilter) ([]audit.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastFilt = f
	if a.queryErr != nil {
		return nil, a.queryErr
	}
	var out []audit.Event
	for _, ev := range a.events {
		if f.Actor == "" || ev.Actor == f.Actor {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (*recordingAudit) Close() error { return nil }

func (a *recordingAudit) actions() []audit.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Action, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Action
	}
	return out
}

// Verify interface compliance.
var _ audit.Logger = (*recordingAudit)(nil)

// --- Test environment ---

type testEnv struct {
	handler   *Handler
	registry  *session.Registry
	vault     *credential.Vault
	tokens    *auth.TokenService
	identity  *fakeIdentity
	launcher  *fakeLauncher
	assistant *fakeAssistant
	history   *history.MemoryStore
	audit     *recordingAudit
	root      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenService(auth.TokenConfig{Issuer: "api-test", SigningKey: []byte(testSigningKey)})
	require.NoError(t, err)

	env := &testEnv{
		registry:  session.NewRegistry(session.Config{}),
		vault:     credential.NewVault(time.Hour, nil),
		tokens:    tokens,
		identity:  &fakeIdentity{id: identity.Identity{AccountID: testAccountID, ARN: testUserARN}},
		launcher:  &fakeLauncher{},
		assistant: &fakeAssistant{answer: "Use Savings Plans."},
		history:   history.NewMemoryStore(0),
		audit:     &recordingAudit{},
		root:      t.TempDir(),
	}

	env.handler, err = NewHandler(Deps{
		Registry:   env.registry,
		Runner:     env.launcher,
		Responder:  stream.NewResponder(env.registry, stream.Config{Keepalive: time.Hour}),
		Identity:   env.identity,
		Vault:      env.vault,
		Tokens:     env.tokens,
		Downloader: artifact.NewDownloader(artifact.DownloadConfig{Root: env.root}, nil),
		Assistant:  env.assistant,
		History:    env.history,
		Audit:      env.audit,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = env.registry.Close()
		_ = env.vault.Close()
		_ = env.history.Close()
	})
	return env
}

// do sends a request with an optional JSON body and bearer token.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// login validates test credentials and returns the issued token.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/validate-credentials", "", map[string]string{
		"access_key": testAccessKey,
		"secret_key": testSecretKey,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp validateCredentialsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// tokenFor issues a token for an arbitrary owner without vaulted credentials
// behind it.
func (e *testEnv) tokenFor(t *testing.T, arn string) string {
	t.Helper()
	token, err := e.tokens.Issue(auth.Principal{
		Subject:   "no-such-vault-entry",
		ARN:       arn,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
