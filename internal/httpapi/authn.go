package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"staykey.io/internal/access"
	"staykey.io/internal/obs"
	"staykey.io/internal/svcauth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// requireSession authenticates the bearer session token and returns the
// request with the principal attached to its context. Returns false after
// writing the error.
func (a *API) requireSession(w http.ResponseWriter, r *http.Request) (access.PrincipalContext, *http.Request, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return access.PrincipalContext{}, r, false
	}
	principal, err := a.sessions.Validate(r.Context(), token)
	if err != nil {
		if errors.Is(err, access.ErrInvalidSession) {
			obs.SessionValidate("rejected")
			w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
			writeError(w, r, http.StatusUnauthorized, "invalid session")
		} else {
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return access.PrincipalContext{}, r, false
	}
	obs.SessionValidate("ok")
	r = r.WithContext(access.ContextWithPrincipal(r.Context(), principal))
	return principal, r, true
}

// requirePermission gates a session-authenticated route on one permission
// from the frozen snapshot.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, principal access.PrincipalContext, perm string) bool {
	if !principal.HasPermission(perm) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// managementActor identifies who performed a management-plane call: either a
// back-office service credential or a staff session with the permission.
type managementActor struct {
	ID        string
	IsService bool
}

// looksLikeServiceCredential distinguishes the two bearer shapes: service
// credentials are three dot-separated segments, session secrets never
// contain a dot.
func looksLikeServiceCredential(token string) bool {
	return strings.Count(token, ".") == 2
}

// requireManagement authenticates a management-plane call. Service
// credentials are checked against the scope and may act on any tenant; staff
// sessions are checked against the permission and their own tenant only.
func (a *API) requireManagement(w http.ResponseWriter, r *http.Request, tenantID, scope, perm string) (managementActor, *http.Request, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return managementActor{}, r, false
	}
	if looksLikeServiceCredential(token) {
		claims, err := a.verifier.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
			writeError(w, r, http.StatusUnauthorized, "invalid service credential")
			return managementActor{}, r, false
		}
		if !claims.HasScope(scope) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return managementActor{}, r, false
		}
		return managementActor{ID: "svc:" + claims.Subject, IsService: true}, r, true
	}

	principal, r, ok := a.requireSession(w, r)
	if !ok {
		return managementActor{}, r, false
	}
	if principal.TenantID != tenantID {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return managementActor{}, r, false
	}
	if !a.requirePermission(w, r, principal, perm) {
		return managementActor{}, r, false
	}
	return managementActor{ID: principal.PrincipalID}, r, true
}

// requireService authenticates a management-plane service credential and
// checks the scope. Returns nil after writing the error.
func (a *API) requireService(w http.ResponseWriter, r *http.Request, scope string) *svcauth.Claims {
	credential, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return nil
	}
	claims, err := a.verifier.Verify(credential)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="staykey"`)
		writeError(w, r, http.StatusUnauthorized, "invalid service credential")
		return nil
	}
	if !claims.HasScope(scope) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return nil
	}
	return claims
}
