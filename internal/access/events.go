package access

import "time"

// Audit actions emitted by the core.
const (
	ActionTokenIssued        = "token.issued"
	ActionTokenConsumed      = "token.consumed"
	ActionTokenRevoked       = "token.revoked"
	ActionTokenRegenerated   = "token.regenerated"
	ActionSessionCreated     = "session.created"
	ActionSessionDestroyed   = "session.invalidated"
	ActionSessionsRevokedAll = "session.revoked_all"
	ActionRoleAssigned       = "role.assigned"
	ActionRoleRemoved        = "role.removed"
)

// Event is the structured record emitted on every credential mutation.
type Event struct {
	TenantID    string            `json:"tenant_id"`
	PrincipalID string            `json:"principal_id,omitempty"`
	SubjectID   string            `json:"subject_id"`
	Action      string            `json:"action"`
	At          time.Time         `json:"at"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Sink receives audit events. Delivery is best-effort: implementations must
// not block the calling operation, and failures never propagate back.
type Sink interface {
	Emit(event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
