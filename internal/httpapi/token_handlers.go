package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/obs"
	"staykey.io/internal/svcauth"
)

type resolveTokenRequest struct {
	Token string `json:"token"`
}

type consumeTokenRequest struct {
	Token       string `json:"token"`
	PrincipalID string `json:"principal_id,omitempty"`
}

type consumeTokenResponse struct {
	SessionToken string                   `json:"session_token"`
	Session      *access.EphemeralSession `json:"session"`
}

type issueTokenRequest struct {
	Kind              string         `json:"kind"`
	TargetPrincipalID string         `json:"target_principal_id,omitempty"`
	Purpose           string         `json:"purpose,omitempty"`
	TTLSeconds        int64          `json:"ttl_seconds,omitempty"`
	HardDeadline      *time.Time     `json:"hard_deadline,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type revokeTokenRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
}

func (a *API) handleTokenResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resolveTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tc, err := a.tokens.Resolve(r.Context(), req.Token)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (a *API) handleTokenConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req consumeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	seed, err := a.tokens.Consume(r.Context(), req.Token, req.PrincipalID)
	obs.TokenConsume(consumeOutcome(err))
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	created, err := a.sessions.CreateFromSeed(r.Context(), seed, seed.HardDeadline)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, consumeTokenResponse{
		SessionToken: created.Token,
		Session:      created.Session,
	})
}

func consumeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, access.ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, access.ErrExpired):
		return "expired"
	case errors.Is(err, access.ErrRevoked):
		return "revoked"
	case errors.Is(err, access.ErrNotFound):
		return "not_found"
	case errors.Is(err, access.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

// handleTenantTokens issues a token under /v1/tenants/{id}/tokens.
func (a *API) handleTenantTokens(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeTokensManage, access.PermTokensIssue)
	if !ok {
		return
	}
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	issueReq := access.IssueRequest{
		TenantID:          tenantID,
		Kind:              access.SessionKind(strings.TrimSpace(req.Kind)),
		TargetPrincipalID: req.TargetPrincipalID,
		Purpose:           req.Purpose,
		TTL:               time.Duration(req.TTLSeconds) * time.Second,
		Metadata:          req.Metadata,
	}
	if req.HardDeadline != nil {
		issueReq.HardDeadline = req.HardDeadline.UTC()
	}
	issued, err := a.tokens.Issue(r.Context(), issueReq)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	obs.TokenIssued(string(issueReq.Kind))
	w.Header().Set("Location", fmt.Sprintf("/v1/tokens/%s", issued.TokenID))
	writeJSON(w, http.StatusCreated, issued)
}

// handleTokenResource serves /v1/tokens/{id}/revoke and {id}/regenerate.
func (a *API) handleTokenResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tokens/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, notFoundMessage)
		return
	}
	tokenID := parts[0]
	switch parts[1] {
	case "revoke":
		a.handleTokenRevoke(w, r, tokenID)
	case "regenerate":
		a.handleTokenRegenerate(w, r, tokenID)
	default:
		writeError(w, r, http.StatusNotFound, notFoundMessage)
	}
}

func (a *API) handleTokenRevoke(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	actor, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeTokensManage, access.PermTokensRevoke)
	if !ok {
		return
	}
	if err := a.tokens.Revoke(r.Context(), tenantID, tokenID, actor.ID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTokenRegenerate(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return
	}
	actor, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeTokensManage, access.PermTokensIssue)
	if !ok {
		return
	}
	issued, err := a.tokens.Regenerate(r.Context(), tenantID, tokenID, actor.ID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	obs.TokenIssued("regenerated")
	w.Header().Set("Location", fmt.Sprintf("/v1/tokens/%s", issued.TokenID))
	writeJSON(w, http.StatusCreated, issued)
}
