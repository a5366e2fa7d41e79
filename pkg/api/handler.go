// Package api exposes the report runner over HTTP: credential validation,
// run launch, event streams, run history, downloads and chat.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/txn2/cost-report-runner/pkg/artifact"
	"github.com/txn2/cost-report-runner/pkg/assistant"
	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/credential"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/health"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/identity"
	"github.com/txn2/cost-report-runner/pkg/session"
	"github.com/txn2/cost-report-runner/pkg/stream"
)

const (
	pathParamSessionID = "sessionID"
	maxBodyBytes       = 1 << 20
	auditWriteTimeout  = 5 * time.Second
	defaultChatTimeout = 2 * time.Minute
)

// Launcher starts the job of a registered session.
type Launcher interface {
	Start(sessionID string, req engine.Request) error
}

// Deps are the collaborators the handler serves. History, Audit and Health
// are optional.
type Deps struct {
	Registry   *session.Registry
	Runner     Launcher
	Responder  *stream.Responder
	Identity   identity.Checker
	Vault      *credential.Vault
	Tokens     *auth.TokenService
	Downloader *artifact.Downloader
	Assistant  assistant.Assistant
	History    history.Store
	Audit      audit.Logger
	Health     *health.Checker
	Logger     *slog.Logger

	// ChatTimeout bounds one assistant call.
	ChatTimeout time.Duration
}

// Handler routes API requests.
type Handler struct {
	router chi.Router
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) (*Handler, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("api: registry is required")
	case deps.Runner == nil:
		return nil, errors.New("api: runner is required")
	case deps.Responder == nil:
		return nil, errors.New("api: responder is required")
	case deps.Identity == nil:
		return nil, errors.New("api: identity checker is required")
	case deps.Vault == nil:
		return nil, errors.New("api: credential vault is required")
	case deps.Tokens == nil:
		return nil, errors.New("api: token service is required")
	case deps.Downloader == nil:
		return nil, errors.New("api: downloader is required")
	case deps.Assistant == nil:
		return nil, errors.New("api: assistant is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker()
	}
	if deps.ChatTimeout <= 0 {
		deps.ChatTimeout = defaultChatTimeout
	}

	h := &Handler{deps: deps, logger: deps.Logger}
	h.router = h.routes()
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.deps.Health.HealthHandler())
	r.Get("/healthz", h.deps.Health.LivenessHandler())
	r.Get("/readyz", h.deps.Health.ReadinessHandler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/validate-credentials", h.validateCredentials)
		r.Get("/available-reports", h.availableReports)
		r.Post("/docker-command", h.dockerCommand)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(h.deps.Tokens))

			r.Post("/logout", h.logout)
			r.Post("/run-reports", h.runReports)
			r.Get("/stream/{sessionID}", h.streamSSE)
			r.Get("/stream/{sessionID}/ws", h.streamWebSocket)
			r.Get("/runs", h.listRuns)
			r.Get("/runs/{sessionID}", h.getRun)
			r.Get("/download", h.deps.Downloader.ServeHTTP)
			r.Post("/chat", h.chat)
			r.Get("/audit", h.listAudit)
		})
	})
	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// audit records ev without failing the request.
func (h *Handler) audit(r *http.Request, ev *audit.Event) {
	if h.deps.Audit == nil {
		return
	}
	ev.WithRequestID(middleware.GetReqID(r.Context()))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()
	if err := h.deps.Audit.Log(ctx, *ev); err != nil {
		h.logger.Warn("audit log failed", "action", ev.Action, "error", err)
	}
}

// credentials returns the vaulted credentials of the authenticated caller.
func (h *Handler) credentials(r *http.Request) (*auth.Principal, engine.Credentials, bool) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		return nil, engine.Credentials{}, false
	}
	creds, err := h.deps.Vault.Get(p.Subject)
	if err != nil {
		return p, engine.Credentials{}, false
	}
	return p, creds, true
}

const errNoCredentials = "No credentials found. Please validate credentials first."
