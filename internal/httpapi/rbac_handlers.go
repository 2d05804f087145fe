package httpapi

import (
	"net/http"
	"strings"

	"staykey.io/internal/access"
	"staykey.io/internal/svcauth"
)

type roleMutationRequest struct {
	PrincipalID string `json:"principal_id"`
	RoleKey     string `json:"role_key"`
}

type effectivePermissionsResponse struct {
	TenantID    string   `json:"tenant_id"`
	PrincipalID string   `json:"principal_id"`
	Permissions []string `json:"permissions"`
}

// handleTenantScoped routes /v1/tenants/{id}/... resources.
func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tenants/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, notFoundMessage)
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, notFoundMessage)
		return
	}
	tenantID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "tokens":
		a.handleTenantTokens(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "provision":
		a.handleTenantProvision(w, r, tenantID)
	case len(parts) == 3 && parts[1] == "roles" && parts[2] == "assign":
		a.handleRoleAssign(w, r, tenantID, true)
	case len(parts) == 3 && parts[1] == "roles" && parts[2] == "remove":
		a.handleRoleAssign(w, r, tenantID, false)
	case len(parts) == 4 && parts[1] == "principals" && parts[3] == "permissions":
		a.handleEffectivePermissions(w, r, tenantID, parts[2])
	case len(parts) == 4 && parts[1] == "principals" && parts[3] == "roles":
		a.handlePrincipalRoles(w, r, tenantID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, notFoundMessage)
	}
}

// handleTenantProvision seeds the closed role catalog for a tenant. Called
// once when a property is onboarded; idempotent.
func (a *API) handleTenantProvision(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims := a.requireService(w, r, svcauth.ScopeRolesManage)
	if claims == nil {
		return
	}
	if err := a.perms.EnsureTenantRoles(r.Context(), tenantID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRoleAssign grants or removes a role. Role mutations are always
// session-authenticated: the hierarchy check needs an acting principal with
// a role of its own, which a service credential does not have.
func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request, tenantID string, assign bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, r, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req roleMutationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	mutation := access.AssignRoleRequest{
		TenantID:    tenantID,
		AssignerID:  principal.PrincipalID,
		PrincipalID: strings.TrimSpace(req.PrincipalID),
		RoleKey:     access.RoleKey(strings.TrimSpace(req.RoleKey)),
	}
	var err error
	if assign {
		err = a.perms.AssignRole(r.Context(), mutation)
	} else {
		err = a.perms.RemoveRole(r.Context(), mutation)
	}
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type principalRolesResponse struct {
	TenantID    string                  `json:"tenant_id"`
	PrincipalID string                  `json:"principal_id"`
	Roles       []access.RoleAssignment `json:"roles"`
}

func (a *API) handlePrincipalRoles(w http.ResponseWriter, r *http.Request, tenantID, principalID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	_, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeRolesManage, access.PermRolesView)
	if !ok {
		return
	}
	assignments, err := a.perms.AssignmentsFor(r.Context(), tenantID, principalID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []access.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, principalRolesResponse{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Roles:       assignments,
	})
}

func (a *API) handleEffectivePermissions(w http.ResponseWriter, r *http.Request, tenantID, principalID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	_, r, ok := a.requireManagement(w, r, tenantID, svcauth.ScopeRolesManage, access.PermRolesView)
	if !ok {
		return
	}
	set, err := a.perms.EffectivePermissions(r.Context(), tenantID, principalID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, effectivePermissionsResponse{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Permissions: set.Keys(),
	})
}
