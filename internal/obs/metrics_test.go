package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/tokens/resolve":                "/v1/tokens/resolve",
		"/v1/tokens/consume":                "/v1/tokens/consume",
		"/v1/tokens/01ABC/revoke":           "/v1/tokens/:id/revoke",
		"/v1/tokens/01ABC/regenerate":       "/v1/tokens/:id/regenerate",
		"/v1/tenants/h-1/tokens":            "/v1/tenants/:id/tokens",
		"/v1/tenants/h-1/roles/assign":      "/v1/tenants/:id/roles/assign",
		"/v1/principals/p-9/sessions/revoke": "/v1/principals/:id/sessions/revoke",
		"/v1/tenants/h-1/principals/p-2/permissions": "/v1/tenants/:id/principals/:id/permissions",
		"/v1/session?verbose=1":             "/v1/session",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
