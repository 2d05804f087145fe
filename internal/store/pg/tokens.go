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

// Tokens returns the token store view.
func (s *Store) Tokens() access.TokenStore { return &tokenStore{db: s.db} }

type tokenStore struct{ db *sql.DB }

var _ access.TokenStore = (*tokenStore)(nil)

const tokenColumns = `id, tenant_id, kind, target_principal_id, token_hash, purpose,
	issued_at, expires_at, hard_deadline, consumed_at, consumed_by, revoked_at, revoked_by, metadata`

func (t *tokenStore) Insert(ctx context.Context, tok *access.AccessToken) error {
	if t.db == nil {
		return errors.New("database connection unavailable")
	}
	meta := []byte("{}")
	if len(tok.Metadata) > 0 {
		bytes, err := json.Marshal(tok.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = bytes
	}
	_, err := t.db.ExecContext(ctx, `
		insert into access_tokens (id, tenant_id, kind, target_principal_id, token_hash, purpose, issued_at, expires_at, hard_deadline, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tok.ID, tok.TenantID, string(tok.Kind), nullIfEmpty(tok.TargetPrincipalID), tok.TokenHash,
		nullIfEmpty(tok.Purpose), tok.IssuedAt, tok.ExpiresAt, nullIfZero(tok.HardDeadline), meta)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (t *tokenStore) GetByHash(ctx context.Context, hash string) (*access.AccessToken, error) {
	if t.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := t.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from access_tokens where token_hash = $1`, hash)
	return scanToken(row)
}

func (t *tokenStore) GetByID(ctx context.Context, tenantID, id string) (*access.AccessToken, error) {
	if t.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := t.db.QueryRowContext(ctx,
		`select `+tokenColumns+` from access_tokens where tenant_id = $1 and id = $2`, tenantID, id)
	return scanToken(row)
}

// Consume is the single-winner conditional update: the WHERE clause re-checks
// unconsumed, unrevoked and unexpired inside one statement, so concurrent
// scans of the same QR code race in the database, not in this process.
func (t *tokenStore) Consume(ctx context.Context, hash string, now, asOf time.Time, consumedBy string) (*access.AccessToken, bool, error) {
	if t.db == nil {
		return nil, false, errors.New("database connection unavailable")
	}
	row := t.db.QueryRowContext(ctx, `
		update access_tokens
		set consumed_at = $2, consumed_by = $3
		where token_hash = $1
		  and consumed_at is null
		  and revoked_at is null
		  and expires_at > $4
		  and (hard_deadline is null or hard_deadline > $4)
		returning `+tokenColumns,
		hash, now, nullIfEmpty(consumedBy), asOf)
	tok, err := scanToken(row)
	if err != nil {
		return nil, false, err
	}
	if tok == nil {
		return nil, false, nil
	}
	return tok, true, nil
}

func (t *tokenStore) Revoke(ctx context.Context, tenantID, id string, now time.Time, revokedBy string) (*access.AccessToken, bool, error) {
	if t.db == nil {
		return nil, false, errors.New("database connection unavailable")
	}
	row := t.db.QueryRowContext(ctx, `
		update access_tokens
		set revoked_at = $3, revoked_by = $4
		where tenant_id = $1 and id = $2
		  and consumed_at is null
		  and revoked_at is null
		returning `+tokenColumns,
		tenantID, id, now, nullIfEmpty(revokedBy))
	tok, err := scanToken(row)
	if err != nil {
		return nil, false, err
	}
	if tok == nil {
		return nil, false, nil
	}
	return tok, true, nil
}

func (t *tokenStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if t.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := t.db.ExecContext(ctx, `delete from access_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*access.AccessToken, error) {
	var (
		tok        access.AccessToken
		kind       string
		target     sql.NullString
		purpose    sql.NullString
		deadline   sql.NullTime
		consumedAt sql.NullTime
		consumedBy sql.NullString
		revokedAt  sql.NullTime
		revokedBy  sql.NullString
		meta       []byte
	)
	err := row.Scan(&tok.ID, &tok.TenantID, &kind, &target, &tok.TokenHash, &purpose,
		&tok.IssuedAt, &tok.ExpiresAt, &deadline, &consumedAt, &consumedBy, &revokedAt, &revokedBy, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tok.Kind = access.SessionKind(kind)
	tok.TargetPrincipalID = target.String
	tok.Purpose = purpose.String
	if deadline.Valid {
		tok.HardDeadline = deadline.Time
	}
	if consumedAt.Valid {
		at := consumedAt.Time
		tok.ConsumedAt = &at
		tok.ConsumedBy = consumedBy.String
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		tok.RevokedAt = &at
		tok.RevokedBy = revokedBy.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tok.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &tok, nil
}
