package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/identity"
)

type validateCredentialsRequest struct {
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	SessionToken string `json:"session_token"`
	Region       string `json:"region"`
}

type validateCredentialsResponse struct {
	Success   bool      `json:"success"`
	AccountID string    `json:"account_id"`
	UserARN   string    `json:"user_arn"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// validateCredentials checks the posted credentials against the identity
// service, vaults them and returns a token that references the vault entry.
func (h *Handler) validateCredentials(w http.ResponseWriter, r *http.Request) {
	var req validateCredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AccessKey = strings.TrimSpace(req.AccessKey)
	req.SecretKey = strings.TrimSpace(req.SecretKey)
	if req.AccessKey == "" || req.SecretKey == "" {
		writeError(w, http.StatusBadRequest, "Access key and secret key are required")
		return
	}
	if req.Region == "" {
		req.Region = engine.DefaultRegion
	}

	creds := engine.Credentials{
		AccessKeyID:     req.AccessKey,
		SecretAccessKey: req.SecretKey,
		SessionToken:    strings.TrimSpace(req.SessionToken),
		Region:          req.Region,
	}

	start := time.Now()
	id, err := h.deps.Identity.Check(r.Context(), creds)
	ev := audit.NewEvent(audit.ActionValidateCredentials).
		WithActor(id.ARN, id.AccountID).
		WithDetails(map[string]any{"region": req.Region})
	if err != nil {
		ev.WithResult(false, err.Error(), time.Since(start))
		h.audit(r, ev)

		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrMissingCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.logger.Error("credential validation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ref, expires := h.deps.Vault.Put(creds)
	token, err := h.deps.Tokens.Issue(auth.Principal{
		Subject:   ref,
		AccountID: id.AccountID,
		ARN:       id.ARN,
		ExpiresAt: expires,
	})
	if err != nil {
		h.deps.Vault.Delete(ref)
		ev.WithResult(false, err.Error(), time.Since(start))
		h.audit(r, ev)
		h.logger.Error("issuing token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	ev.WithResult(true, "", time.Since(start))
	h.audit(r, ev)
	h.logger.Info("credentials validated", "account_id", id.AccountID, "user_arn", id.ARN)

	writeJSON(w, http.StatusOK, validateCredentialsResponse{
		Success:   true,
		AccountID: id.AccountID,
		UserARN:   id.ARN,
		Token:     token,
		ExpiresAt: expires,
	})
}

// logout discards the caller's vaulted credentials. The token stays
// syntactically valid until it expires but no longer resolves to credentials.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	h.deps.Vault.Delete(p.Subject)

	h.audit(r, audit.NewEvent(audit.ActionLogout).
		WithActor(p.Owner(), p.AccountID).
		WithResult(true, "", 0))

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
