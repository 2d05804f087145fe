package access

import "time"

// SessionKind distinguishes the two principal populations sharing the
// credential mechanism.
type SessionKind string

const (
	SessionKindGuest SessionKind = "guest"
	SessionKindStaff SessionKind = "staff"
)

// Valid reports whether the kind is one of the closed set.
func (k SessionKind) Valid() bool {
	return k == SessionKindGuest || k == SessionKindStaff
}

// AccessToken is a one-time, hash-stored secret bound to a tenant. The
// plaintext is returned exactly once at issuance and never persisted.
type AccessToken struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Kind              SessionKind    `json:"kind"`
	TargetPrincipalID string         `json:"target_principal_id,omitempty"`
	TokenHash         string         `json:"-"`
	Purpose           string         `json:"purpose,omitempty"`
	IssuedAt          time.Time      `json:"issued_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	HardDeadline      time.Time      `json:"hard_deadline,omitempty"`
	ConsumedAt        *time.Time     `json:"consumed_at,omitempty"`
	ConsumedBy        string         `json:"consumed_by,omitempty"`
	RevokedAt         *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy         string         `json:"revoked_by,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// EphemeralSession is the time-boxed credential produced by consuming an
// access token. Its permission snapshot is frozen at creation.
type EphemeralSession struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	PrincipalID   string       `json:"principal_id"`
	Kind          SessionKind  `json:"kind"`
	TokenID       string       `json:"token_id"`
	SessionHash   string       `json:"-"`
	IssuedAt      time.Time    `json:"issued_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	HardDeadline  time.Time    `json:"hard_deadline,omitempty"`
	Permissions   []string     `json:"permissions"`
	Capabilities  Capabilities `json:"capabilities"`
	InvalidatedAt *time.Time   `json:"invalidated_at,omitempty"`
}

// Capabilities are role-specific flags snapshotted onto a session so hot
// paths never re-resolve roles.
type Capabilities struct {
	CanViewTickets   bool `json:"can_view_tickets"`
	CanCreateTickets bool `json:"can_create_tickets"`
	CanAccessKB      bool `json:"can_access_kb"`
	CanViewBookings  bool `json:"can_view_bookings"`
	CanManageRoles   bool `json:"can_manage_roles"`
}

// Role is a tenant-scoped, leveled bundle of permission keys.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Key         RoleKey   `json:"key"`
	Name        string    `json:"name"`
	Level       int       `json:"level"`
	Permissions []string  `json:"permissions"`
	CrossTenant bool      `json:"cross_tenant,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleAssignment links a principal to a role within a tenant.
type RoleAssignment struct {
	TenantID    string    `json:"tenant_id"`
	PrincipalID string    `json:"principal_id"`
	RoleKey     RoleKey   `json:"role_key"`
	AssignedBy  string    `json:"assigned_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a catalog entry. The catalog is closed and deployed with the
// binary; it is not user-editable at runtime.
type Permission struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

// TokenContext is the read-only view returned by Resolve for preview flows.
type TokenContext struct {
	TokenID           string         `json:"token_id"`
	TenantID          string         `json:"tenant_id"`
	Kind              SessionKind    `json:"kind"`
	TargetPrincipalID string         `json:"target_principal_id,omitempty"`
	Purpose           string         `json:"purpose,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	HardDeadline      time.Time      `json:"hard_deadline,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SessionSeed carries the data a successful Consume hands to the session
// manager. It is never serialized outward.
type SessionSeed struct {
	TokenID      string
	TenantID     string
	PrincipalID  string
	Kind         SessionKind
	Purpose      string
	HardDeadline time.Time
	Metadata     map[string]any
}

// PrincipalContext is the single value type the middleware constructs at the
// authentication boundary and hands to business logic. Core operations take
// tenant and principal ids explicitly; nothing reads them from globals.
type PrincipalContext struct {
	TenantID     string
	PrincipalID  string
	SessionID    string
	Kind         SessionKind
	Permissions  PermissionSet
	Capabilities Capabilities
	ExpiresAt    time.Time
}

// HasPermission reports whether the frozen snapshot grants the key.
func (p PrincipalContext) HasPermission(key string) bool {
	return p.Permissions.Has(key)
}
