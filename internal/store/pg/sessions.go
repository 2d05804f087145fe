package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"staykey.io/internal/access"
)

// Sessions returns the session store view.
func (s *Store) Sessions() access.SessionStore { return &sessionStore{db: s.db} }

type sessionStore struct{ db *sql.DB }

var _ access.SessionStore = (*sessionStore)(nil)

const sessionColumns = `id, tenant_id, principal_id, kind, token_id, session_hash,
	issued_at, expires_at, hard_deadline, permissions, capabilities, invalidated_at`

func (ss *sessionStore) Insert(ctx context.Context, sess *access.EphemeralSession) error {
	if ss.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	caps, err := json.Marshal(sess.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = ss.db.ExecContext(ctx, `
		insert into sessions (id, tenant_id, principal_id, kind, token_id, session_hash, issued_at, expires_at, hard_deadline, permissions, capabilities)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.TenantID, sess.PrincipalID, string(sess.Kind), sess.TokenID, sess.SessionHash,
		sess.IssuedAt, sess.ExpiresAt, nullIfZero(sess.HardDeadline), perms, caps)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (ss *sessionStore) GetByHash(ctx context.Context, hash string) (*access.EphemeralSession, error) {
	if ss.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := ss.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where session_hash = $1`, hash)
	return scanSession(row)
}

func (ss *sessionStore) GetByID(ctx context.Context, tenantID, id string) (*access.EphemeralSession, error) {
	if ss.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := ss.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where tenant_id = $1 and id = $2`, tenantID, id)
	return scanSession(row)
}

func (ss *sessionStore) Invalidate(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	if ss.db == nil {
		return false, errors.New("database connection unavailable")
	}
	res, err := ss.db.ExecContext(ctx, `
		update sessions set invalidated_at = $3
		where tenant_id = $1 and id = $2 and invalidated_at is null
	`, tenantID, id, now)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// SetRevocationWatermark advances the per-principal watermark; the upsert
// never moves it backwards, so overlapping sweeps compose.
func (ss *sessionStore) SetRevocationWatermark(ctx context.Context, tenantID, principalID string, at time.Time) error {
	if ss.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := ss.db.ExecContext(ctx, `
		insert into session_revocations (tenant_id, principal_id, revoked_before)
		values ($1, $2, $3)
		on conflict (tenant_id, principal_id) do update
		set revoked_before = greatest(session_revocations.revoked_before, excluded.revoked_before)
	`, tenantID, principalID, at)
	return err
}

func (ss *sessionStore) RevocationWatermark(ctx context.Context, tenantID, principalID string) (time.Time, error) {
	if ss.db == nil {
		return time.Time{}, errors.New("database connection unavailable")
	}
	var at time.Time
	err := ss.db.QueryRowContext(ctx, `
		select revoked_before from session_revocations
		where tenant_id = $1 and principal_id = $2
	`, tenantID, principalID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

func (ss *sessionStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if ss.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := ss.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*access.EphemeralSession, error) {
	var (
		sess          access.EphemeralSession
		kind          string
		hardDeadline  sql.NullTime
		perms         []byte
		caps          []byte
		invalidatedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.PrincipalID, &kind, &sess.TokenID, &sess.SessionHash,
		&sess.IssuedAt, &sess.ExpiresAt, &hardDeadline, &perms, &caps, &invalidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.Kind = access.SessionKind(kind)
	if hardDeadline.Valid {
		sess.HardDeadline = hardDeadline.Time
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &sess.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &sess.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if invalidatedAt.Valid {
		at := invalidatedAt.Time
		sess.InvalidatedAt = &at
	}
	return &sess, nil
}
