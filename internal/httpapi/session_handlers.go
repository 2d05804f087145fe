package httpapi

import (
	"net/http"
	"strings"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/svcauth"
)

type whoamiResponse struct {
	TenantID     string              `json:"tenant_id"`
	PrincipalID  string              `json:"principal_id"`
	SessionID    string              `json:"session_id"`
	Kind         access.SessionKind  `json:"kind"`
	Permissions  []string            `json:"permissions"`
	Capabilities access.Capabilities `json:"capabilities"`
	ExpiresAt    string              `json:"expires_at"`
}

type rotateSessionResponse struct {
	SessionToken string                   `json:"session_token"`
	Session      *access.EphemeralSession `json:"session"`
}

type revokeSessionsRequest struct {
	TenantID string `json:"tenant_id"`
}

// handleSession is the whoami endpoint for a session holder.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, _, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, whoamiResponse{
		TenantID:     principal.TenantID,
		PrincipalID:  principal.PrincipalID,
		SessionID:    principal.SessionID,
		Kind:         principal.Kind,
		Permissions:  principal.Permissions.Keys(),
		Capabilities: principal.Capabilities,
		ExpiresAt:    principal.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, r, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	if err := a.sessions.Invalidate(r.Context(), principal.TenantID, principal.SessionID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSessionRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	created, err := a.sessions.Rotate(r.Context(), token)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rotateSessionResponse{
		SessionToken: created.Token,
		Session:      created.Session,
	})
}

// handlePrincipalScoped serves /v1/principals/{id}/sessions/revoke.
func (a *API) handlePrincipalScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/principals/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[1] != "sessions" || parts[2] != "revoke" {
		writeError(w, r, http.StatusNotFound, notFoundMessage)
		return
	}
	principalID := parts[0]
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeSessionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	_, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeSessionsManage, access.PermSessionsRevoke)
	if !ok {
		return
	}
	if err := a.sessions.InvalidateAll(r.Context(), tenantID, principalID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
