package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/job"
	"github.com/txn2/cost-report-runner/pkg/session"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

type runReportsRequest struct {
	Reports []string `json:"reports"`
	Region  string   `json:"region"`
}

type runReportsResponse struct {
	Success   bool     `json:"success"`
	SessionID string   `json:"session_id"`
	Reports   []string `json:"reports"`
	StreamURL string   `json:"stream_url"`
}

// runReports registers a session and launches its job. The client then
// attaches to stream_url to follow progress.
func (h *Handler) runReports(w http.ResponseWriter, r *http.Request) {
	p, creds, ok := h.credentials(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCredentials)
		return
	}

	var req runReportsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := engine.ValidateReports(req.Reports); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	region := req.Region
	if region == "" {
		region = creds.Region
	}
	if region == "" {
		region = engine.DefaultRegion
	}
	creds.Region = region

	sess := h.deps.Registry.Create(p.Owner(), session.Options{Reports: req.Reports, Region: region})
	err := h.deps.Runner.Start(sess.ID, engine.Request{
		Reports:     req.Reports,
		Region:      region,
		Credentials: creds,
	})
	if err != nil {
		h.deps.Registry.Reclaim(sess.ID)
		switch {
		case errors.Is(err, job.ErrTooManyJobs):
			writeError(w, http.StatusTooManyRequests, "too many report runs in progress, try again later")
		case errors.Is(err, job.ErrRunnerClosed):
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		default:
			h.logger.Error("starting run", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, runReportsResponse{
		Success:   true,
		SessionID: sess.ID,
		Reports:   req.Reports,
		StreamURL: "/api/stream/" + sess.ID,
	})
}

// ownedSession returns the live session named in the path when the caller
// owns it. Other callers' sessions are reported as missing.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	p := auth.GetPrincipal(r.Context())
	id := chi.URLParam(r, pathParamSessionID)

	sess, err := h.deps.Registry.Get(id)
	if err != nil || p == nil || sess.Owner != p.Owner() {
		writeError(w, http.StatusNotFound, "session not found")
		return session.Session{}, false
	}
	return sess, true
}

func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.deps.Responder.ServeSSE(w, r, sess.ID)
}

func (h *Handler) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.deps.Responder.ServeWebSocket(w, r, sess.ID)
}

// runView is a run as reported to clients, whether it is still live or only
// in history.
type runView struct {
	SessionID  string     `json:"session_id"`
	State      string     `json:"state"`
	Reports    []string   `json:"reports"`
	Region     string     `json:"region,omitempty"`
	ExcelFile  string     `json:"excel_file,omitempty"`
	Error      string     `json:"error,omitempty"`
	Live       bool       `json:"live"`
	Attached   bool       `json:"attached"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func viewFromSession(s session.Session) runView {
	v := runView{
		SessionID: s.ID,
		State:     string(s.State),
		Reports:   s.Options.Reports,
		Region:    s.Options.Region,
		ExcelFile: s.Artifact,
		Error:     s.Error,
		Live:      true,
		Attached:  s.Attached,
		StartedAt: s.CreatedAt,
	}
	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}

func viewFromHistory(run history.Run) runView {
	return runView{
		SessionID:  run.ID,
		State:      run.State,
		Reports:    run.Reports,
		Region:     run.Region,
		ExcelFile:  run.Artifact,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

// listRuns returns the caller's runs, live sessions first, newest first.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit, maxRunsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state := r.URL.Query().Get("state")

	seen := make(map[string]bool)
	runs := make([]runView, 0)
	live := h.deps.Registry.List()
	slices.Reverse(live)
	for _, s := range live {
		if s.Owner != p.Owner() || (state != "" && string(s.State) != state) {
			continue
		}
		seen[s.ID] = true
		runs = append(runs, viewFromSession(s))
	}

	if h.deps.History != nil && len(runs) < limit {
		past, err := h.deps.History.List(r.Context(), history.Filter{Owner: p.Owner(), State: state, Limit: limit})
		if err != nil {
			h.logger.Error("listing run history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		for _, run := range past {
			if !seen[run.ID] {
				runs = append(runs, viewFromHistory(run))
			}
		}
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "runs": runs})
}

// getRun returns one of the caller's runs.
func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := chi.URLParam(r, pathParamSessionID)

	if s, err := h.deps.Registry.Get(id); err == nil {
		if s.Owner != p.Owner() {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "run": viewFromSession(s)})
		return
	}

	run, err := h.lookupHistory(r.Context(), id)
	if err != nil || run.Owner != p.Owner() {
		if err != nil && !errors.Is(err, history.ErrNotFound) {
			h.logger.Error("reading run history", "session_id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "run": viewFromHistory(*run)})
}

func (h *Handler) lookupHistory(ctx context.Context, id string) (*history.Run, error) {
	if h.deps.History == nil {
		return nil, history.ErrNotFound
	}
	return h.deps.History.Get(ctx, id)
}

// parseLimit parses a positive limit query value, capped at max.
func parseLimit(raw string, def, limit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, limit), nil
}
