package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/auth"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// listAudit returns the caller's own audit events, newest first.
//
// Query parameters: action, session_id, success, start_time and end_time
// (RFC 3339), limit, offset.
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if h.deps.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": []audit.Event{}})
		return
	}

	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Actor = p.Owner()

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("querying audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func parseAuditFilter(q url.Values) (audit.QueryFilter, error) {
	filter := audit.QueryFilter{
		SessionID: q.Get("session_id"),
		Action:    audit.Action(q.Get("action")),
	}

	limit, err := parseLimit(q.Get("limit"), defaultAuditLimit, maxAuditLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("success must be a boolean")
		}
		filter.Success = &b
	}
	if filter.StartTime, err = parseTimeParam(q, "start_time"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTimeParam(q, "end_time"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil //nolint:nilnil // absent parameter means no bound
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}
