package access

import "errors"

// Business-rule violations surface as typed sentinel errors so the boundary
// can map them to the right status without string matching. Storage failures
// pass through wrapped and untyped; callers treat those as internal.
var (
	ErrNotFound        = errors.New("access: not found")
	ErrAlreadyConsumed = errors.New("access: token already consumed")
	ErrExpired         = errors.New("access: token expired")
	ErrRevoked         = errors.New("access: token revoked")
	ErrInvalidTenant   = errors.New("access: unknown tenant")
	ErrTenantMismatch  = errors.New("access: tenant mismatch")
	ErrForbidden       = errors.New("access: forbidden")
	ErrInvalidInput    = errors.New("access: invalid input")
	ErrUnknownRole     = errors.New("access: unknown role")

	// ErrInvalidSession deliberately covers missing, expired, and
	// invalidated sessions alike so callers cannot probe for existence.
	ErrInvalidSession = errors.New("access: invalid session")
)
