package access

import "context"

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
// This is the only ambient state the boundary layer is allowed to set; core
// operations still take tenant and principal ids as explicit parameters.
func ContextWithPrincipal(ctx context.Context, principal PrincipalContext) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (PrincipalContext, bool) {
	if ctx == nil {
		return PrincipalContext{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*PrincipalContext)
	if !ok || v == nil {
		return PrincipalContext{}, false
	}
	return *v, true
}
