package httpapi

import (
	"net/http"
	"strings"
	"time"

	"agripulse.org/internal/audit"
	"agripulse.org/internal/auth"
)

type tokenRequest struct {
	User    string   `json:"user"`
	Account string   `json:"account"`
	Roles   []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.opts.IssueTokens {
		writeError(w, r, http.StatusNotFound, "token issuance is disabled")
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	if len(req.Roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "roles are required")
		return
	}
	token, err := auth.GenerateToken(user, req.Account, req.Roles, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	expiresAt := time.Now().UTC().Add(a.opts.TokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"account":    req.Account,
		"roles":      req.Roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
