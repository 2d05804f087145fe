// Package memory provides an in-process implementation of the access store
// contracts. It backs the test suites (including the concurrent-consume
// property) and the smoke command; production deployments use store/pg.
package memory

import (
	"context"
	"sync"
	"time"

	"staykey.io/internal/access"
)

// Store holds everything behind one mutex. The conditional mutations keep
// the same check-and-set semantics the SQL store expresses in single
// statements, so exactly one concurrent Consume can win here too.
type Store struct {
	mu sync.Mutex

	tenants      map[string]struct{}
	tokensByHash map[string]*access.AccessToken
	tokensByID   map[string]*access.AccessToken

	sessionsByHash map[string]*access.EphemeralSession
	sessionsByID   map[string]*access.EphemeralSession
	watermarks     map[string]time.Time // tenant/principal -> revoked-before

	roles       map[string]*access.Role            // tenant/key -> role
	assignments map[string][]access.RoleAssignment // tenant/principal -> assignments
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants:        make(map[string]struct{}),
		tokensByHash:   make(map[string]*access.AccessToken),
		tokensByID:     make(map[string]*access.AccessToken),
		sessionsByHash: make(map[string]*access.EphemeralSession),
		sessionsByID:   make(map[string]*access.EphemeralSession),
		watermarks:     make(map[string]time.Time),
		roles:          make(map[string]*access.Role),
		assignments:    make(map[string][]access.RoleAssignment),
	}
}

// Tokens returns the token store view.
func (s *Store) Tokens() access.TokenStore { return &tokenStore{s: s} }

// Sessions returns the session store view.
func (s *Store) Sessions() access.SessionStore { return &sessionStore{s: s} }

// Roles returns the role store view.
func (s *Store) Roles() access.RoleStore { return &roleStore{s: s} }

var _ access.TenantDirectory = (*Store)(nil)

func scopedKey(tenantID, name string) string { return tenantID + "/" + name }

// AddTenant registers a tenant with the directory.
func (s *Store) AddTenant(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = struct{}{}
}

// TenantExists implements access.TenantDirectory.
func (s *Store) TenantExists(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[tenantID]
	return ok, nil
}

// SeedRole installs a role directly, bypassing catalog seeding. Used by the
// platform scope and by tests.
func (s *Store) SeedRole(role access.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := role
	cp.Permissions = append([]string(nil), role.Permissions...)
	s.roles[scopedKey(role.TenantID, string(role.Key))] = &cp
}

// Token store --------------------------------------------------------------

type tokenStore struct{ s *Store }

func (t *tokenStore) Insert(_ context.Context, tok *access.AccessToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := cloneToken(tok)
	t.s.tokensByHash[cp.TokenHash] = cp
	t.s.tokensByID[scopedKey(cp.TenantID, cp.ID)] = cp
	return nil
}

func (t *tokenStore) GetByHash(_ context.Context, hash string) (*access.AccessToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokensByHash[hash]
	if !ok {
		return nil, nil
	}
	return cloneToken(tok), nil
}

func (t *tokenStore) GetByID(_ context.Context, tenantID, id string) (*access.AccessToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokensByID[scopedKey(tenantID, id)]
	if !ok {
		return nil, nil
	}
	return cloneToken(tok), nil
}

func (t *tokenStore) Consume(_ context.Context, hash string, now, asOf time.Time, consumedBy string) (*access.AccessToken, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokensByHash[hash]
	if !ok || tok.ConsumedAt != nil || tok.RevokedAt != nil || !tok.ExpiresAt.After(asOf) ||
		(!tok.HardDeadline.IsZero() && !tok.HardDeadline.After(asOf)) {
		return nil, false, nil
	}
	at := now
	tok.ConsumedAt = &at
	tok.ConsumedBy = consumedBy
	return cloneToken(tok), true, nil
}

func (t *tokenStore) Revoke(_ context.Context, tenantID, id string, now time.Time, revokedBy string) (*access.AccessToken, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokensByID[scopedKey(tenantID, id)]
	if !ok || tok.ConsumedAt != nil || tok.RevokedAt != nil {
		return nil, false, nil
	}
	at := now
	tok.RevokedAt = &at
	tok.RevokedBy = revokedBy
	return cloneToken(tok), true, nil
}

func (t *tokenStore) PurgeExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var purged int64
	for hash, tok := range t.s.tokensByHash {
		if tok.ExpiresAt.Before(cutoff) {
			delete(t.s.tokensByHash, hash)
			delete(t.s.tokensByID, scopedKey(tok.TenantID, tok.ID))
			purged++
		}
	}
	return purged, nil
}

// Session store ------------------------------------------------------------

type sessionStore struct{ s *Store }

func (ss *sessionStore) Insert(_ context.Context, sess *access.EphemeralSession) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	cp := cloneSession(sess)
	ss.s.sessionsByHash[cp.SessionHash] = cp
	ss.s.sessionsByID[scopedKey(cp.TenantID, cp.ID)] = cp
	return nil
}

func (ss *sessionStore) GetByHash(_ context.Context, hash string) (*access.EphemeralSession, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessionsByHash[hash]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (ss *sessionStore) GetByID(_ context.Context, tenantID, id string) (*access.EphemeralSession, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessionsByID[scopedKey(tenantID, id)]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (ss *sessionStore) Invalidate(_ context.Context, tenantID, id string, now time.Time) (bool, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessionsByID[scopedKey(tenantID, id)]
	if !ok || sess.InvalidatedAt != nil {
		return false, nil
	}
	at := now
	sess.InvalidatedAt = &at
	return true, nil
}

func (ss *sessionStore) SetRevocationWatermark(_ context.Context, tenantID, principalID string, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	key := scopedKey(tenantID, principalID)
	if existing, ok := ss.s.watermarks[key]; !ok || at.After(existing) {
		ss.s.watermarks[key] = at
	}
	return nil
}

func (ss *sessionStore) RevocationWatermark(_ context.Context, tenantID, principalID string) (time.Time, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	return ss.s.watermarks[scopedKey(tenantID, principalID)], nil
}

func (ss *sessionStore) PurgeExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var purged int64
	for hash, sess := range ss.s.sessionsByHash {
		if sess.ExpiresAt.Before(cutoff) {
			delete(ss.s.sessionsByHash, hash)
			delete(ss.s.sessionsByID, scopedKey(sess.TenantID, sess.ID))
			purged++
		}
	}
	return purged, nil
}

// Role store ---------------------------------------------------------------

type roleStore struct{ s *Store }

func (r *roleStore) EnsureRoles(_ context.Context, tenantID string, roles []access.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range roles {
		key := scopedKey(tenantID, string(roles[i].Key))
		if _, ok := r.s.roles[key]; ok {
			continue
		}
		cp := roles[i]
		cp.Permissions = append([]string(nil), roles[i].Permissions...)
		r.s.roles[key] = &cp
	}
	return nil
}

func (r *roleStore) Role(_ context.Context, tenantID string, key access.RoleKey) (*access.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[scopedKey(tenantID, string(key))]
	if !ok {
		return nil, nil
	}
	cp := *role
	cp.Permissions = append([]string(nil), role.Permissions...)
	return &cp, nil
}

func (r *roleStore) RolesFor(_ context.Context, tenantID, principalID string) ([]access.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []access.Role
	for _, a := range r.s.assignments[scopedKey(tenantID, principalID)] {
		role, ok := r.s.roles[scopedKey(tenantID, string(a.RoleKey))]
		if !ok {
			continue
		}
		cp := *role
		cp.Permissions = append([]string(nil), role.Permissions...)
		out = append(out, cp)
	}
	return out, nil
}

func (r *roleStore) Assign(_ context.Context, assignment access.RoleAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := scopedKey(assignment.TenantID, assignment.PrincipalID)
	for _, existing := range r.s.assignments[key] {
		if existing.RoleKey == assignment.RoleKey {
			return nil
		}
	}
	r.s.assignments[key] = append(r.s.assignments[key], assignment)
	return nil
}

func (r *roleStore) Remove(_ context.Context, tenantID, principalID string, key access.RoleKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	mapKey := scopedKey(tenantID, principalID)
	kept := r.s.assignments[mapKey][:0]
	for _, a := range r.s.assignments[mapKey] {
		if a.RoleKey != key {
			kept = append(kept, a)
		}
	}
	r.s.assignments[mapKey] = kept
	return nil
}

func (r *roleStore) Assignments(_ context.Context, tenantID, principalID string) ([]access.RoleAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src := r.s.assignments[scopedKey(tenantID, principalID)]
	out := make([]access.RoleAssignment, len(src))
	copy(out, src)
	return out, nil
}

// helpers ------------------------------------------------------------------

func cloneToken(tok *access.AccessToken) *access.AccessToken {
	cp := *tok
	if tok.ConsumedAt != nil {
		at := *tok.ConsumedAt
		cp.ConsumedAt = &at
	}
	if tok.RevokedAt != nil {
		at := *tok.RevokedAt
		cp.RevokedAt = &at
	}
	if tok.Metadata != nil {
		cp.Metadata = make(map[string]any, len(tok.Metadata))
		for k, v := range tok.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneSession(sess *access.EphemeralSession) *access.EphemeralSession {
	cp := *sess
	if sess.InvalidatedAt != nil {
		at := *sess.InvalidatedAt
		cp.InvalidatedAt = &at
	}
	cp.Permissions = append([]string(nil), sess.Permissions...)
	return &cp
}
