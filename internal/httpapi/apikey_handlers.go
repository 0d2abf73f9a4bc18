package httpapi

import (
	"net/http"
	"strings"
	"time"

	"threatdesk.io/internal/auth"
)

type issueKeyRequest struct {
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes,omitempty"`
	RateLimit  int        `json:"rate_limit,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	AllowedIPs []string   `json:"allowed_ips,omitempty"`
	Live       bool       `json:"live,omitempty"`
}

type issueKeyResponse struct {
	Key       string     `json:"key"`
	KeyPrefix string     `json:"key_prefix"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	RateLimit int        `json:"rate_limit"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleIssueKey mints a key for the authenticated principal. The raw
// value appears in this response and nowhere else afterwards.
func (a *API) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ac, ok := a.requirePermission(w, r, "apikey", "create")
	if !ok {
		return
	}
	var req issueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.authority.Issue(r.Context(), auth.IssueParams{
		Name:           req.Name,
		UserID:         ac.User.ID,
		OrganizationID: ac.User.OrganizationID,
		Scopes:         req.Scopes,
		RateLimit:      req.RateLimit,
		ExpiresAt:      req.ExpiresAt,
		AllowedIPs:     req.AllowedIPs,
		Live:           req.Live,
		IssuedBy:       ac.User.ID,
		SourceIP:       clientIP(r),
	})
	if err != nil {
		a.handleGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueKeyResponse{
		Key:       issued.Raw,
		KeyPrefix: issued.Record.KeyPrefix,
		Name:      issued.Record.Name,
		Scopes:    issued.Record.Scopes,
		RateLimit: issued.Record.RateLimit,
		ExpiresAt: issued.Record.ExpiresAt,
	})
}

// handleRevokeKey handles DELETE /v1/apikeys/{hash}. Revocation is
// idempotent, so revoking an already-revoked key still returns success.
func (a *API) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	ac, ok := a.requirePermission(w, r, "apikey", "delete")
	if !ok {
		return
	}
	hash := strings.TrimPrefix(r.URL.Path, "/v1/apikeys/")
	if hash == "" || strings.Contains(hash, "/") {
		writeError(w, r, http.StatusBadRequest, "key hash is required")
		return
	}
	if err := a.authority.Revoke(r.Context(), hash, ac.User.ID, clientIP(r)); err != nil {
		a.handleGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
