package access

import (
	"context"
	"time"
)

// TokenStore persists access tokens, keyed by their at-rest hash.
//
// Consume and Revoke are conditional updates: the store applies the mutation
// only while the record is still unconsumed and unrevoked, in one atomic
// storage operation, and reports whether the predicate matched. The one
// successful consumer of a token is decided here, not by application locks.
type TokenStore interface {
	Insert(ctx context.Context, tok *AccessToken) error
	GetByHash(ctx context.Context, hash string) (*AccessToken, error)
	GetByID(ctx context.Context, tenantID, id string) (*AccessToken, error)

	// Consume marks the token consumed iff it is unconsumed, unrevoked and,
	// as of asOf, past neither its expiry nor its hard deadline. Returns the
	// updated record when matched.
	Consume(ctx context.Context, hash string, now, asOf time.Time, consumedBy string) (*AccessToken, bool, error)

	// Revoke marks the token revoked iff it is unconsumed and unrevoked.
	Revoke(ctx context.Context, tenantID, id string, now time.Time, revokedBy string) (*AccessToken, bool, error)

	// PurgeExpiredBefore removes rows past expiry plus grace; retention only,
	// correctness never depends on it.
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore persists ephemeral sessions, keyed by their at-rest hash.
//
// Bulk revocation uses a per-principal watermark rather than enumerating a
// snapshot list: a session whose issued-at is not after the watermark is
// invalid, so a session created mid-sweep is itself caught.
type SessionStore interface {
	Insert(ctx context.Context, sess *EphemeralSession) error
	GetByHash(ctx context.Context, hash string) (*EphemeralSession, error)
	GetByID(ctx context.Context, tenantID, id string) (*EphemeralSession, error)

	// Invalidate marks the session invalidated iff not already invalidated.
	Invalidate(ctx context.Context, tenantID, id string, now time.Time) (bool, error)

	SetRevocationWatermark(ctx context.Context, tenantID, principalID string, at time.Time) error
	// RevocationWatermark returns the zero time when no sweep has happened.
	RevocationWatermark(ctx context.Context, tenantID, principalID string) (time.Time, error)

	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RoleStore persists tenant role definitions and principal assignments.
type RoleStore interface {
	// EnsureRoles seeds catalog roles for a tenant; existing rows are kept.
	EnsureRoles(ctx context.Context, tenantID string, roles []Role) error
	Role(ctx context.Context, tenantID string, key RoleKey) (*Role, error)
	RolesFor(ctx context.Context, tenantID, principalID string) ([]Role, error)
	Assign(ctx context.Context, assignment RoleAssignment) error
	Remove(ctx context.Context, tenantID, principalID string, key RoleKey) error
	Assignments(ctx context.Context, tenantID, principalID string) ([]RoleAssignment, error)
}

// TenantDirectory is the only view of tenant internals this core needs.
type TenantDirectory interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}
