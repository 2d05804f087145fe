// Package svcauth issues and verifies the signed service credentials that
// back-office callers present on the management plane (token issuance, role
// administration, bulk revocation). Guest-facing traffic never uses these;
// guests authenticate with ephemeral session secrets instead.
package svcauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "staykey"

// Management-plane scopes a service credential may carry.
const (
	ScopeTokensManage   = "tokens.manage"
	ScopeRolesManage    = "roles.manage"
	ScopeSessionsManage = "sessions.manage"
)

// Clock skew tolerated when validating issued-at.
const issuedAtSkew = 5 * time.Second

// ErrInvalidCredential indicates the credential failed validation.
var ErrInvalidCredential = errors.New("svcauth: invalid credential")

// Claims carries the scopes granted to a service credential.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the credential grants the given scope.
func (c *Claims) HasScope(scope string) bool {
	scope = strings.TrimSpace(strings.ToLower(scope))
	if scope == "" {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Signer mints HS256-signed service credentials with an explicit secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner validates the secret and returns a Signer.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("svcauth: secret must be at least 16 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Sign issues a credential for the given subject and scopes.
func (s *Signer) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("svcauth: subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("svcauth: ttl must be greater than zero")
	}

	now := s.now()
	claims := Claims{
		Scopes: dedupeScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("svcauth: sign credential: %w", err)
	}
	return signed, nil
}

// Verifier checks credential signatures and claims.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier validates the secret and returns a Verifier.
func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("svcauth: secret must be at least 16 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Verifier{secret: key, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Verify parses the credential and validates its signature and claims.
// All failures collapse into ErrInvalidCredential.
func (v *Verifier) Verify(credential string) (*Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidCredential
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, ErrInvalidCredential
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredential
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, ErrInvalidCredential
	}
	claims.Scopes = dedupeScopes(claims.Scopes)
	return claims, nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := v.now()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("credential expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("credential not yet valid")
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("credential issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("credential expiry precedes issued-at")
	}
	return nil
}

func dedupeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	var normalized []string
	for _, scope := range scopes {
		scope = strings.TrimSpace(strings.ToLower(scope))
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		normalized = append(normalized, scope)
	}
	return normalized
}
