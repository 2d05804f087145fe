package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/store/memory"
	"staykey.io/internal/svcauth"
)

const (
	testTenant    = "tenant-1"
	testHashKey   = "0123456789abcdef0123456789abcdef"
	testSvcKey    = "service-plane-signing-secret"
	testManagerID = "principal-manager"
)

type testEnv struct {
	api    *API
	store  *memory.Store
	tokens *access.TokenService
	perms  *access.PermissionService
	signer *svcauth.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLimits(t, Limits{RateLimitRPS: 1000, RateLimitBurst: 1000})
}

func newTestEnvWithLimits(t *testing.T, limits Limits) *testEnv {
	t.Helper()

	store := memory.New()
	store.AddTenant(testTenant)

	hasher, err := access.NewHasher(testHashKey)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	perms, err := access.NewPermissionService(store.Roles(), store)
	if err != nil {
		t.Fatalf("NewPermissionService: %v", err)
	}
	if err := perms.EnsureTenantRoles(context.Background(), testTenant); err != nil {
		t.Fatalf("EnsureTenantRoles: %v", err)
	}
	tokens, err := access.NewTokenService(store.Tokens(), store, hasher)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	sessions, err := access.NewSessionService(store.Sessions(), perms, hasher)
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	signer, err := svcauth.NewSigner([]byte(testSvcKey))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := svcauth.NewVerifier([]byte(testSvcKey))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	api := New(tokens, sessions, perms, verifier, ReadyProbe{}, limits, "test")
	return &testEnv{api: api, store: store, tokens: tokens, perms: perms, signer: signer}
}

func (e *testEnv) serviceCredential(t *testing.T, scopes ...string) string {
	t.Helper()
	credential, err := e.signer.Sign("test-suite", scopes, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return credential
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:9999"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rr, req)
	return rr
}

// issueToken mints a guest token through the management plane.
func (e *testEnv) issueToken(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens",
		e.serviceCredential(t, svcauth.ScopeTokensManage), body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode issue response: %v", err)
	}
	return out
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rr.Body.String())
	}
	return out
}

func TestRateLimitPersistsAcrossHandlerCalls(t *testing.T) {
	env := newTestEnvWithLimits(t, Limits{RateLimitRPS: 0.01, RateLimitBurst: 1})

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		return req
	}

	// Two Handler calls share one limiter: the chain is assembled once.
	rr := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rr, newReq())
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rr, newReq())
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on throttled response")
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}

	rr = env.do(t, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/info", "", nil)
	body := decodeBody(t, rr)
	if body["name"] != "staykey-access" {
		t.Fatalf("unexpected info name: %v", body["name"])
	}
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest", "purpose": "room 12 QR"})
	plaintext, _ := issued["token"].(string)
	if plaintext == "" {
		t.Fatal("expected plaintext token in issue response")
	}

	// Resolve previews without consuming.
	rr := env.do(t, http.MethodPost, "/v1/tokens/resolve", "", map[string]any{"token": plaintext})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resolved := decodeBody(t, rr)
	if resolved["tenant_id"] != testTenant || resolved["kind"] != "guest" {
		t.Fatalf("unexpected resolve body: %v", resolved)
	}

	// Consume mints a session.
	rr = env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": plaintext})
	if rr.Code != http.StatusCreated {
		t.Fatalf("consume: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	consumed := decodeBody(t, rr)
	sessionToken, _ := consumed["session_token"].(string)
	if sessionToken == "" {
		t.Fatal("expected session token")
	}

	// Second consume is a uniform 404.
	rr = env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": plaintext})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second consume: expected 404, got %d", rr.Code)
	}
	if decodeBody(t, rr)["error"] != "not found" {
		t.Fatal("expected uniform not-found message")
	}

	// Whoami works with the session.
	rr = env.do(t, http.MethodGet, "/v1/session", sessionToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	who := decodeBody(t, rr)
	if who["tenant_id"] != testTenant || who["kind"] != "guest" {
		t.Fatalf("unexpected whoami: %v", who)
	}

	// Logout invalidates; the session stops validating.
	rr = env.do(t, http.MethodPost, "/v1/session/logout", sessionToken, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/session", sessionToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("whoami after logout: expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
}

func TestConsumeRevokedTokenIsUniform404(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest"})
	tokenID, _ := issued["token_id"].(string)
	plaintext, _ := issued["token"].(string)

	rr := env.do(t, http.MethodPost, "/v1/tokens/"+tokenID+"/revoke",
		env.serviceCredential(t, svcauth.ScopeTokensManage), map[string]any{"tenant_id": testTenant})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": plaintext})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("consume revoked: expected 404, got %d", rr.Code)
	}
	if decodeBody(t, rr)["error"] != "not found" {
		t.Fatal("revoked token must be indistinguishable from missing")
	}
}

func TestRegenerateInvalidatesOldPlaintext(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest"})
	tokenID, _ := issued["token_id"].(string)
	oldPlaintext, _ := issued["token"].(string)

	rr := env.do(t, http.MethodPost, "/v1/tokens/"+tokenID+"/regenerate",
		env.serviceCredential(t, svcauth.ScopeTokensManage), map[string]any{"tenant_id": testTenant})
	if rr.Code != http.StatusCreated {
		t.Fatalf("regenerate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	fresh := decodeBody(t, rr)
	newPlaintext, _ := fresh["token"].(string)
	if newPlaintext == "" || newPlaintext == oldPlaintext {
		t.Fatal("expected a fresh plaintext")
	}

	rr = env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": oldPlaintext})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("old plaintext: expected 404, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": newPlaintext})
	if rr.Code != http.StatusCreated {
		t.Fatalf("new plaintext: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestManagementPlaneAuth(t *testing.T) {
	env := newTestEnv(t)

	// No credential.
	rr := env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens", "", map[string]any{"kind": "guest"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no credential: expected 401, got %d", rr.Code)
	}

	// Wrong scope.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens",
		env.serviceCredential(t, svcauth.ScopeRolesManage), map[string]any{"kind": "guest"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong scope: expected 403, got %d", rr.Code)
	}

	// Garbage JWT.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens", "a.b.c", map[string]any{"kind": "guest"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage credential: expected 401, got %d", rr.Code)
	}

	// Unknown tenant is a 404, not an enumeration oracle.
	rr = env.do(t, http.MethodPost, "/v1/tenants/ghost/tokens",
		env.serviceCredential(t, svcauth.ScopeTokensManage), map[string]any{"kind": "guest"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: expected 404, got %d", rr.Code)
	}
}

func TestStaffSessionCanIssueWithPermission(t *testing.T) {
	env := newTestEnv(t)

	// Give the manager a staff session by the front door: target token +
	// role assignment seeded directly through the engine.
	if err := env.store.Roles().Assign(context.Background(), access.RoleAssignment{
		TenantID:    testTenant,
		PrincipalID: testManagerID,
		RoleKey:     access.RoleManager,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}

	issued := env.issueToken(t, map[string]any{"kind": "staff", "target_principal_id": testManagerID})
	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	if rr.Code != http.StatusCreated {
		t.Fatalf("consume staff token: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	sessionToken, _ := decodeBody(t, rr)["session_token"].(string)

	// Manager sessions carry tokens.issue, so the same endpoint works with
	// a session credential.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens", sessionToken,
		map[string]any{"kind": "guest", "purpose": "walk-in"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("session issue: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	// But never for another tenant.
	env.store.AddTenant("tenant-2")
	rr = env.do(t, http.MethodPost, "/v1/tenants/tenant-2/tokens", sessionToken,
		map[string]any{"kind": "guest"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant session issue: expected 403, got %d", rr.Code)
	}
}

func TestGuestSessionCannotIssueTokens(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest"})
	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	sessionToken, _ := decodeBody(t, rr)["session_token"].(string)

	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/tokens", sessionToken,
		map[string]any{"kind": "guest"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("guest issue: expected 403, got %d", rr.Code)
	}
}

func TestHardDeadlineCapsSessionOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	deadline := time.Now().UTC().Add(6 * time.Hour)
	issued := env.issueToken(t, map[string]any{
		"kind":          "guest",
		"ttl_seconds":   int64((24 * time.Hour).Seconds()),
		"hard_deadline": deadline.Format(time.RFC3339Nano),
	})

	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	if rr.Code != http.StatusCreated {
		t.Fatalf("consume: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	session, _ := decodeBody(t, rr)["session"].(map[string]any)
	expiresRaw, _ := session["expires_at"].(string)
	expires, err := time.Parse(time.RFC3339Nano, expiresRaw)
	if err != nil {
		t.Fatalf("parse expires_at: %v", err)
	}
	if diff := expires.Sub(deadline); diff < -time.Second || diff > time.Second {
		t.Fatalf("expected session expiry at the hard deadline, got %v (deadline %v)", expires, deadline)
	}
}

func TestRoleAssignmentOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.Roles().Assign(context.Background(), access.RoleAssignment{
		TenantID:    testTenant,
		PrincipalID: testManagerID,
		RoleKey:     access.RoleManager,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	issued := env.issueToken(t, map[string]any{"kind": "staff", "target_principal_id": testManagerID})
	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	sessionToken, _ := decodeBody(t, rr)["session_token"].(string)

	// Manager grants reception below their level.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/roles/assign", sessionToken,
		map[string]any{"principal_id": "principal-frontdesk", "role_key": "reception"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("assign: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	// Effective permissions reflect the grant.
	rr = env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/principals/%s/permissions", testTenant, "principal-frontdesk"),
		env.serviceCredential(t, svcauth.ScopeRolesManage), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("permissions: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	perms := decodeBody(t, rr)
	found := false
	if list, ok := perms["permissions"].([]any); ok {
		for _, p := range list {
			if p == access.PermTicketsCreate {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected reception to hold %s: %v", access.PermTicketsCreate, perms)
	}

	// The assignment shows up in the role listing.
	rr = env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/tenants/%s/principals/%s/roles", testTenant, "principal-frontdesk"),
		env.serviceCredential(t, svcauth.ScopeRolesManage), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("roles: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rolesBody := decodeBody(t, rr)
	list, _ := rolesBody["roles"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one assignment, got %v", rolesBody)
	}
	if entry, ok := list[0].(map[string]any); !ok || entry["role_key"] != "reception" {
		t.Fatalf("unexpected assignment: %v", list[0])
	}

	// Assigning at or above one's own level is forbidden.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/roles/assign", sessionToken,
		map[string]any{"principal_id": "principal-rival", "role_key": "owner"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("assign above level: expected 403, got %d", rr.Code)
	}

	// Removal mirrors assignment.
	rr = env.do(t, http.MethodPost, "/v1/tenants/"+testTenant+"/roles/remove", sessionToken,
		map[string]any{"principal_id": "principal-frontdesk", "role_key": "reception"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBulkSessionRevocationOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest", "target_principal_id": "principal-guest"})
	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	sessionToken, _ := decodeBody(t, rr)["session_token"].(string)

	rr = env.do(t, http.MethodGet, "/v1/session", sessionToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("whoami before revoke: expected 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/principals/principal-guest/sessions/revoke",
		env.serviceCredential(t, svcauth.ScopeSessionsManage), map[string]any{"tenant_id": testTenant})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("bulk revoke: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/session", sessionToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("whoami after revoke: expected 401, got %d", rr.Code)
	}
}

func TestSessionRotateOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	issued := env.issueToken(t, map[string]any{"kind": "guest"})
	rr := env.do(t, http.MethodPost, "/v1/tokens/consume", "", map[string]any{"token": issued["token"]})
	oldToken, _ := decodeBody(t, rr)["session_token"].(string)

	rr = env.do(t, http.MethodPost, "/v1/session/rotate", oldToken, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("rotate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	newToken, _ := decodeBody(t, rr)["session_token"].(string)
	if newToken == "" || newToken == oldToken {
		t.Fatal("expected a fresh session token")
	}

	rr = env.do(t, http.MethodGet, "/v1/session", oldToken, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("old session: expected 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/session", newToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("new session: expected 200, got %d", rr.Code)
	}
}

func TestTenantProvisionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.store.AddTenant("tenant-fresh")

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/v1/tenants/tenant-fresh/provision",
			env.serviceCredential(t, svcauth.ScopeRolesManage), nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("provision attempt %d: expected 204, got %d: %s", i, rr.Code, rr.Body.String())
		}
	}
}
