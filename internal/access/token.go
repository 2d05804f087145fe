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
	defaultIssueTTL = 24 * time.Hour
	maxIssueTTL     = 30 * 24 * time.Hour
)

// TokenService manages the full life of one-time access artifacts: the
// secrets behind printed or displayed QR codes.
type TokenService struct {
	tokens  TokenStore
	tenants TenantDirectory
	hasher  *Hasher
	sink    Sink
	now     func() time.Time

	defaultTTL time.Duration
	skew       time.Duration
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDefaultTTL sets the issuance TTL used when a request omits one.
func WithDefaultTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl <= 0 {
			return errors.New("default ttl must be positive")
		}
		s.defaultTTL = ttl
		return nil
	}
}

// WithClockSkew sets the tolerance applied to expiry checks, absorbing clock
// drift between the issuing and consuming hosts.
func WithClockSkew(skew time.Duration) TokenOption {
	return func(s *TokenService) error {
		if skew < 0 {
			return errors.New("clock skew must not be negative")
		}
		s.skew = skew
		return nil
	}
}

// WithTokenSink sets the audit event sink.
func WithTokenSink(sink Sink) TokenOption {
	return func(s *TokenService) error {
		if sink != nil {
			s.sink = sink
		}
		return nil
	}
}

// NewTokenService constructs a TokenService.
func NewTokenService(tokens TokenStore, tenants TenantDirectory, hasher *Hasher, opts ...TokenOption) (*TokenService, error) {
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	if tenants == nil {
		return nil, errors.New("tenant directory is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	svc := &TokenService{
		tokens:     tokens,
		tenants:    tenants,
		hasher:     hasher,
		sink:       NopSink{},
		now:        time.Now,
		defaultTTL: defaultIssueTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	TenantID          string
	Kind              SessionKind
	TargetPrincipalID string // empty means any holder of the artifact
	Purpose           string
	TTL               time.Duration // zero means service default
	// HardDeadline caps any session minted from this token, e.g. a guest's
	// checkout time. Zero means no business deadline.
	HardDeadline time.Time
	Metadata     map[string]any
}

// IssuedToken carries the plaintext back to the caller exactly once. The
// plaintext is not retrievable again through any operation.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue mints a token bound to a tenant, a subject kind and an optional
// target principal, persisting only its keyed hash.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (IssuedToken, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return IssuedToken{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if !req.Kind.Valid() {
		return IssuedToken{}, fmt.Errorf("%w: %q", ErrUnknownRole, req.Kind)
	}
	if req.TTL < 0 || req.TTL > maxIssueTTL {
		return IssuedToken{}, fmt.Errorf("%w: ttl out of range", ErrInvalidInput)
	}
	if !req.HardDeadline.IsZero() && !req.HardDeadline.After(s.now().UTC()) {
		return IssuedToken{}, fmt.Errorf("%w: hard deadline is in the past", ErrInvalidInput)
	}
	exists, err := s.tenants.TenantExists(ctx, req.TenantID)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("check tenant: %w", err)
	}
	if !exists {
		return IssuedToken{}, fmt.Errorf("%w: %s", ErrInvalidTenant, req.TenantID)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	secret, err := newSecret()
	if err != nil {
		return IssuedToken{}, err
	}
	now := s.now().UTC()
	tok := &AccessToken{
		ID:                ids.New(),
		TenantID:          req.TenantID,
		Kind:              req.Kind,
		TargetPrincipalID: strings.TrimSpace(req.TargetPrincipalID),
		TokenHash:         s.hasher.Sum(secret),
		Purpose:           strings.TrimSpace(req.Purpose),
		IssuedAt:          now,
		ExpiresAt:         now.Add(ttl),
		HardDeadline:      req.HardDeadline,
		Metadata:          req.Metadata,
	}
	if err := s.tokens.Insert(ctx, tok); err != nil {
		return IssuedToken{}, fmt.Errorf("insert token: %w", err)
	}
	s.sink.Emit(Event{
		TenantID:    tok.TenantID,
		PrincipalID: tok.TargetPrincipalID,
		SubjectID:   tok.ID,
		Action:      ActionTokenIssued,
		At:          now,
		Meta:        map[string]string{"kind": string(tok.Kind), "purpose": tok.Purpose},
	})
	return IssuedToken{Token: secret, TokenID: tok.ID, ExpiresAt: tok.ExpiresAt}, nil
}

// Resolve is the pure read used by preview-before-commit flows. It never
// mutates state; a token remains consumable after any number of resolves.
func (s *TokenService) Resolve(ctx context.Context, plaintext string) (TokenContext, error) {
	tok, err := s.lookup(ctx, plaintext)
	if err != nil {
		return TokenContext{}, err
	}
	if err := s.classify(tok); err != nil {
		return TokenContext{}, err
	}
	return TokenContext{
		TokenID:           tok.ID,
		TenantID:          tok.TenantID,
		Kind:              tok.Kind,
		TargetPrincipalID: tok.TargetPrincipalID,
		Purpose:           tok.Purpose,
		ExpiresAt:         tok.ExpiresAt,
		HardDeadline:      tok.HardDeadline,
		Metadata:          tok.Metadata,
	}, nil
}

// Consume atomically marks the token consumed and returns the seed for the
// resulting session. Under concurrent attempts on the same plaintext exactly
// one call succeeds; the storage layer's conditional update is the sole
// arbiter, so this holds across processes.
func (s *TokenService) Consume(ctx context.Context, plaintext, consumingPrincipalID string) (SessionSeed, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return SessionSeed{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	consumingPrincipalID = strings.TrimSpace(consumingPrincipalID)

	now := s.now().UTC()
	hash := s.hasher.Sum(plaintext)
	tok, matched, err := s.tokens.Consume(ctx, hash, now, now.Add(-s.skew), consumingPrincipalID)
	if err != nil {
		return SessionSeed{}, fmt.Errorf("consume token: %w", err)
	}
	if !matched {
		// The conditional update lost or the token never existed; a plain
		// read distinguishes the losing reasons.
		existing, err := s.tokens.GetByHash(ctx, hash)
		if err != nil {
			return SessionSeed{}, fmt.Errorf("classify token: %w", err)
		}
		if existing == nil {
			return SessionSeed{}, ErrNotFound
		}
		if err := s.classify(existing); err != nil {
			return SessionSeed{}, err
		}
		// The record looks consumable again, which only happens around the
		// expiry boundary with skew; treat it like a miss.
		return SessionSeed{}, ErrNotFound
	}

	principalID := tok.TargetPrincipalID
	if principalID == "" {
		principalID = consumingPrincipalID
	}
	if principalID == "" {
		// Anonymous holder of a bearer artifact: mint a principal identity
		// that lives as long as its sessions.
		principalID = ids.New()
	}
	s.sink.Emit(Event{
		TenantID:    tok.TenantID,
		PrincipalID: principalID,
		SubjectID:   tok.ID,
		Action:      ActionTokenConsumed,
		At:          now,
	})
	return SessionSeed{
		TokenID:      tok.ID,
		TenantID:     tok.TenantID,
		PrincipalID:  principalID,
		Kind:         tok.Kind,
		Purpose:      tok.Purpose,
		HardDeadline: tok.HardDeadline,
		Metadata:     tok.Metadata,
	}, nil
}

// Revoke marks an unconsumed token revoked. Revoking a token that was already
// consumed or revoked is a no-op success; the resulting session, if any, must
// be killed through the session manager explicitly.
func (s *TokenService) Revoke(ctx context.Context, tenantID, tokenID, revokedBy string) error {
	tenantID = strings.TrimSpace(tenantID)
	tokenID = strings.TrimSpace(tokenID)
	if tenantID == "" || tokenID == "" {
		return fmt.Errorf("%w: tenant_id and token_id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	tok, matched, err := s.tokens.Revoke(ctx, tenantID, tokenID, now, revokedBy)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if !matched {
		existing, err := s.tokens.GetByID(ctx, tenantID, tokenID)
		if err != nil {
			return fmt.Errorf("classify token: %w", err)
		}
		if existing == nil {
			return ErrNotFound
		}
		// Already consumed or already revoked: idempotent success.
		return nil
	}
	s.sink.Emit(Event{
		TenantID:  tok.TenantID,
		SubjectID: tok.ID,
		Action:    ActionTokenRevoked,
		At:        now,
		Meta:      map[string]string{"revoked_by": revokedBy},
	})
	return nil
}

// Regenerate revokes the old token and issues a fresh one with the same
// tenant, kind, target and purpose. Used when a QR code must be reprinted.
// A consumed token cannot be regenerated; issue a new one instead.
func (s *TokenService) Regenerate(ctx context.Context, tenantID, tokenID, requestedBy string) (IssuedToken, error) {
	tenantID = strings.TrimSpace(tenantID)
	tokenID = strings.TrimSpace(tokenID)
	if tenantID == "" || tokenID == "" {
		return IssuedToken{}, fmt.Errorf("%w: tenant_id and token_id are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	old, matched, err := s.tokens.Revoke(ctx, tenantID, tokenID, now, requestedBy)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("revoke token: %w", err)
	}
	if !matched {
		existing, err := s.tokens.GetByID(ctx, tenantID, tokenID)
		if err != nil {
			return IssuedToken{}, fmt.Errorf("classify token: %w", err)
		}
		switch {
		case existing == nil:
			return IssuedToken{}, ErrNotFound
		case existing.ConsumedAt != nil:
			return IssuedToken{}, ErrAlreadyConsumed
		default:
			return IssuedToken{}, ErrRevoked
		}
	}

	deadline := old.HardDeadline
	if !deadline.IsZero() && !deadline.After(now) {
		// A lapsed business deadline does not block reprinting the code; the
		// fresh token simply carries none.
		deadline = time.Time{}
	}
	issued, err := s.Issue(ctx, IssueRequest{
		TenantID:          old.TenantID,
		Kind:              old.Kind,
		TargetPrincipalID: old.TargetPrincipalID,
		Purpose:           old.Purpose,
		TTL:               old.ExpiresAt.Sub(old.IssuedAt),
		HardDeadline:      deadline,
		Metadata:          old.Metadata,
	})
	if err != nil {
		// The old token stays revoked; no window exists where both secrets
		// are live.
		return IssuedToken{}, err
	}
	s.sink.Emit(Event{
		TenantID:  old.TenantID,
		SubjectID: issued.TokenID,
		Action:    ActionTokenRegenerated,
		At:        now,
		Meta:      map[string]string{"replaces": old.ID, "requested_by": requestedBy},
	})
	return issued, nil
}

func (s *TokenService) lookup(ctx context.Context, plaintext string) (*AccessToken, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	tok, err := s.tokens.GetByHash(ctx, s.hasher.Sum(plaintext))
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if tok == nil {
		return nil, ErrNotFound
	}
	return tok, nil
}

// classify maps a live record to its terminal-state error, if any. A lapsed
// business deadline counts as expiry: the token could never seed a session
// past it, so burning it on consume would waste the one-time artifact. Expiry
// wins over revocation so operators see the state that cannot be undone.
func (s *TokenService) classify(tok *AccessToken) error {
	now := s.now().UTC()
	if tok.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	asOf := now.Add(-s.skew)
	if !asOf.Before(tok.ExpiresAt) {
		return ErrExpired
	}
	if !tok.HardDeadline.IsZero() && !asOf.Before(tok.HardDeadline) {
		return ErrExpired
	}
	if tok.RevokedAt != nil {
		return ErrRevoked
	}
	return nil
}
