package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/txn2/cost-report-runner/pkg/assistant"
	"github.com/txn2/cost-report-runner/pkg/audit"
)

type chatRequest struct {
	Message    string `json:"message"`
	ReportFile string `json:"report_file"`
}

type chatResponse struct {
	Success    bool   `json:"success"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	ReportFile string `json:"report_file,omitempty"`
}

// chat answers a cost question, optionally about a generated report.
func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	p, creds, ok := h.credentials(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errNoCredentials)
		return
	}

	reportFile, err := h.resolveReportFile(req.ReportFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.ChatTimeout)
	defer cancel()

	start := time.Now()
	answer, err := h.deps.Assistant.Ask(ctx, assistant.Request{
		Question:    req.Message,
		ReportFile:  reportFile,
		Credentials: creds,
	})

	ev := audit.NewEvent(audit.ActionChat).WithActor(p.Owner(), p.AccountID)
	if reportFile != "" {
		ev.WithDetails(map[string]any{"report_file": filepath.Base(reportFile)})
	}
	if err != nil {
		h.audit(r, ev.WithResult(false, err.Error(), time.Since(start)))
		if errors.Is(err, assistant.ErrEmptyQuestion) {
			writeError(w, http.StatusBadRequest, "Message is required")
			return
		}
		h.logger.Error("assistant failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.audit(r, ev.WithResult(true, "", time.Since(start)))

	writeJSON(w, http.StatusOK, chatResponse{
		Success:    true,
		Question:   req.Message,
		Answer:     answer,
		ReportFile: req.ReportFile,
	})
}

// resolveReportFile checks a requested report file against the download
// policy. Whether the file still exists is left to the assistant.
func (h *Handler) resolveReportFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	return h.deps.Downloader.Resolve(path)
}
