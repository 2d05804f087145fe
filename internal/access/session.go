package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"staykey.io/internal/ids"
)

const (
	defaultGuestSessionTTL = 24 * time.Hour
	defaultStaffSessionTTL = 12 * time.Hour
)

// PermissionResolver is the slice of the permission engine the session
// manager needs for creation-time snapshots.
type PermissionResolver interface {
	EffectivePermissions(ctx context.Context, tenantID, principalID string) (PermissionSet, error)
}

// SessionService turns consumed tokens into time-boxed credentials and
// answers the per-request validation on the hot path.
type SessionService struct {
	sessions SessionStore
	perms    PermissionResolver
	hasher   *Hasher
	sink     Sink
	now      func() time.Time

	maxTTL map[SessionKind]time.Duration
	skew   time.Duration
}

// SessionOption configures SessionService behavior.
type SessionOption func(*SessionService) error

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *SessionService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithMaxTTL sets the fixed ceiling for a session kind.
func WithMaxTTL(kind SessionKind, ttl time.Duration) SessionOption {
	return func(s *SessionService) error {
		if !kind.Valid() {
			return fmt.Errorf("unknown session kind %q", kind)
		}
		if ttl <= 0 {
			return errors.New("session ttl must be positive")
		}
		s.maxTTL[kind] = ttl
		return nil
	}
}

// WithSessionClockSkew sets the expiry-check tolerance.
func WithSessionClockSkew(skew time.Duration) SessionOption {
	return func(s *SessionService) error {
		if skew < 0 {
			return errors.New("clock skew must not be negative")
		}
		s.skew = skew
		return nil
	}
}

// WithSessionSink sets the audit event sink.
func WithSessionSink(sink Sink) SessionOption {
	return func(s *SessionService) error {
		if sink != nil {
			s.sink = sink
		}
		return nil
	}
}

// NewSessionService constructs a SessionService.
func NewSessionService(sessions SessionStore, perms PermissionResolver, hasher *Hasher, opts ...SessionOption) (*SessionService, error) {
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if perms == nil {
		return nil, errors.New("permission resolver is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	svc := &SessionService{
		sessions: sessions,
		perms:    perms,
		hasher:   hasher,
		sink:     NopSink{},
		now:      time.Now,
		maxTTL: map[SessionKind]time.Duration{
			SessionKindGuest: defaultGuestSessionTTL,
			SessionKindStaff: defaultStaffSessionTTL,
		},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// CreatedSession carries the plaintext session token back exactly once.
type CreatedSession struct {
	Token   string            `json:"token"`
	Session *EphemeralSession `json:"session"`
}

// CreateFromSeed materializes the session a consumed token pays for. Expiry
// is min(now+maxTTL(kind), hardDeadline); a zero hardDeadline means none.
// The permission snapshot and capability flags are frozen here and never
// updated by later role changes.
func (s *SessionService) CreateFromSeed(ctx context.Context, seed SessionSeed, hardDeadline time.Time) (CreatedSession, error) {
	if seed.TenantID == "" || seed.PrincipalID == "" {
		return CreatedSession{}, fmt.Errorf("%w: seed is incomplete", ErrInvalidInput)
	}
	if !seed.Kind.Valid() {
		return CreatedSession{}, fmt.Errorf("%w: %q", ErrUnknownRole, seed.Kind)
	}
	now := s.now().UTC()
	if !hardDeadline.IsZero() && !hardDeadline.After(now) {
		return CreatedSession{}, fmt.Errorf("%w: hard deadline is in the past", ErrInvalidInput)
	}

	expiresAt := now.Add(s.maxTTL[seed.Kind])
	if !hardDeadline.IsZero() && hardDeadline.Before(expiresAt) {
		expiresAt = hardDeadline
	}

	snapshot, err := s.perms.EffectivePermissions(ctx, seed.TenantID, seed.PrincipalID)
	if err != nil {
		return CreatedSession{}, err
	}
	// Principals with no assignments yet still get the baseline for their
	// kind, so a fresh guest QR scan can open tickets and read the KB.
	snapshot.Add(DefaultKindPermissions(seed.Kind)...)

	secret, err := newSecret()
	if err != nil {
		return CreatedSession{}, err
	}
	sess := &EphemeralSession{
		ID:           ids.New(),
		TenantID:     seed.TenantID,
		PrincipalID:  seed.PrincipalID,
		Kind:         seed.Kind,
		TokenID:      seed.TokenID,
		SessionHash:  s.hasher.Sum(secret),
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		HardDeadline: hardDeadline,
		Permissions:  snapshot.Keys(),
		Capabilities: CapabilitiesFor(snapshot),
	}
	if err := s.sessions.Insert(ctx, sess); err != nil {
		return CreatedSession{}, fmt.Errorf("insert session: %w", err)
	}
	s.sink.Emit(Event{
		TenantID:    sess.TenantID,
		PrincipalID: sess.PrincipalID,
		SubjectID:   sess.ID,
		Action:      ActionSessionCreated,
		At:          now,
		Meta:        map[string]string{"kind": string(sess.Kind), "token_id": sess.TokenID},
	})
	return CreatedSession{Token: secret, Session: sess}, nil
}

// Validate is the hot path, called on every protected request. It performs
// reads only and collapses every failure mode into ErrInvalidSession.
func (s *SessionService) Validate(ctx context.Context, plaintext string) (PrincipalContext, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return PrincipalContext{}, ErrInvalidSession
	}
	sess, err := s.sessions.GetByHash(ctx, s.hasher.Sum(plaintext))
	if err != nil {
		return PrincipalContext{}, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil || sess.InvalidatedAt != nil {
		return PrincipalContext{}, ErrInvalidSession
	}
	now := s.now().UTC()
	if !now.Add(-s.skew).Before(sess.ExpiresAt) {
		return PrincipalContext{}, ErrInvalidSession
	}
	watermark, err := s.sessions.RevocationWatermark(ctx, sess.TenantID, sess.PrincipalID)
	if err != nil {
		return PrincipalContext{}, fmt.Errorf("lookup watermark: %w", err)
	}
	if !watermark.IsZero() && !sess.IssuedAt.After(watermark) {
		return PrincipalContext{}, ErrInvalidSession
	}
	return PrincipalContext{
		TenantID:     sess.TenantID,
		PrincipalID:  sess.PrincipalID,
		SessionID:    sess.ID,
		Kind:         sess.Kind,
		Permissions:  NewPermissionSet(sess.Permissions...),
		Capabilities: sess.Capabilities,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Invalidate terminates one session. Invalidating an already-invalidated
// session succeeds; an unknown id reports ErrNotFound to management callers.
func (s *SessionService) Invalidate(ctx context.Context, tenantID, sessionID string) error {
	tenantID = strings.TrimSpace(tenantID)
	sessionID = strings.TrimSpace(sessionID)
	if tenantID == "" || sessionID == "" {
		return fmt.Errorf("%w: tenant_id and session_id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	matched, err := s.sessions.Invalidate(ctx, tenantID, sessionID, now)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if !matched {
		existing, err := s.sessions.GetByID(ctx, tenantID, sessionID)
		if err != nil {
			return fmt.Errorf("classify session: %w", err)
		}
		if existing == nil {
			return ErrNotFound
		}
		return nil // already invalidated
	}
	s.sink.Emit(Event{
		TenantID:  tenantID,
		SubjectID: sessionID,
		Action:    ActionSessionDestroyed,
		At:        now,
	})
	return nil
}

// InvalidateAll revokes every session of a principal by advancing the
// revocation watermark. A session created concurrently with the sweep whose
// issued-at lands at or before the watermark is equally dead, so the sweep
// needs no enumeration and no lock.
func (s *SessionService) InvalidateAll(ctx context.Context, tenantID, principalID string) error {
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	if tenantID == "" || principalID == "" {
		return fmt.Errorf("%w: tenant_id and principal_id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if err := s.sessions.SetRevocationWatermark(ctx, tenantID, principalID, now); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	s.sink.Emit(Event{
		TenantID:    tenantID,
		PrincipalID: principalID,
		SubjectID:   principalID,
		Action:      ActionSessionsRevokedAll,
		At:          now,
	})
	return nil
}

// Rotate issues a replacement session with a fresh secret and invalidates
// the old one. The permission snapshot carries over frozen; expiry is
// recomputed against the original hard deadline, never inherited.
func (s *SessionService) Rotate(ctx context.Context, plaintext string) (CreatedSession, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return CreatedSession{}, ErrInvalidSession
	}
	old, err := s.sessions.GetByHash(ctx, s.hasher.Sum(plaintext))
	if err != nil {
		return CreatedSession{}, fmt.Errorf("lookup session: %w", err)
	}
	now := s.now().UTC()
	if old == nil || old.InvalidatedAt != nil || !now.Add(-s.skew).Before(old.ExpiresAt) {
		return CreatedSession{}, ErrInvalidSession
	}
	watermark, err := s.sessions.RevocationWatermark(ctx, old.TenantID, old.PrincipalID)
	if err != nil {
		return CreatedSession{}, fmt.Errorf("lookup watermark: %w", err)
	}
	if !watermark.IsZero() && !old.IssuedAt.After(watermark) {
		return CreatedSession{}, ErrInvalidSession
	}

	expiresAt := now.Add(s.maxTTL[old.Kind])
	if !old.HardDeadline.IsZero() && old.HardDeadline.Before(expiresAt) {
		expiresAt = old.HardDeadline
	}
	if !expiresAt.After(now) {
		return CreatedSession{}, ErrInvalidSession
	}

	// Invalidate first: the conditional update on the old session is the
	// arbiter, so concurrent rotations of the same plaintext mint at most one
	// replacement.
	matched, err := s.sessions.Invalidate(ctx, old.TenantID, old.ID, now)
	if err != nil {
		return CreatedSession{}, fmt.Errorf("invalidate session: %w", err)
	}
	if !matched {
		return CreatedSession{}, ErrInvalidSession
	}
	secret, err := newSecret()
	if err != nil {
		return CreatedSession{}, err
	}
	snapshot := NewPermissionSet(old.Permissions...)
	next := &EphemeralSession{
		ID:           ids.New(),
		TenantID:     old.TenantID,
		PrincipalID:  old.PrincipalID,
		Kind:         old.Kind,
		TokenID:      old.TokenID,
		SessionHash:  s.hasher.Sum(secret),
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		HardDeadline: old.HardDeadline,
		Permissions:  snapshot.Keys(),
		Capabilities: CapabilitiesFor(snapshot),
	}
	if err := s.sessions.Insert(ctx, next); err != nil {
		// The old session stays invalidated; no window exists where both
		// secrets are live.
		return CreatedSession{}, fmt.Errorf("insert session: %w", err)
	}
	s.sink.Emit(Event{
		TenantID:    next.TenantID,
		PrincipalID: next.PrincipalID,
		SubjectID:   next.ID,
		Action:      ActionSessionCreated,
		At:          now,
		Meta:        map[string]string{"rotated_from": old.ID},
	})
	return CreatedSession{Token: secret, Session: next}, nil
}
