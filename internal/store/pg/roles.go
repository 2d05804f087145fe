package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"staykey.io/internal/access"
)

// Roles returns the role store view.
func (s *Store) Roles() access.RoleStore { return &roleStore{db: s.db} }

type roleStore struct{ db *sql.DB }

var _ access.RoleStore = (*roleStore)(nil)

const roleColumns = `id, tenant_id, key, name, level, permissions, cross_tenant, created_at, updated_at`

func (r *roleStore) EnsureRoles(ctx context.Context, tenantID string, roles []access.Role) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, role := range roles {
		perms, err := json.Marshal(role.Permissions)
		if err != nil {
			return fmt.Errorf("marshal permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, tenant_id, key, name, level, permissions, cross_tenant)
			values ($1, $2, $3, $4, $5, $6, $7)
			on conflict (tenant_id, key) do nothing
		`, role.ID, tenantID, string(role.Key), role.Name, role.Level, perms, role.CrossTenant); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *roleStore) Role(ctx context.Context, tenantID string, key access.RoleKey) (*access.Role, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := r.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where tenant_id = $1 and key = $2`, tenantID, string(key))
	return scanRole(row)
}

func (r *roleStore) RolesFor(ctx context.Context, tenantID, principalID string) ([]access.Role, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.key, r.name, r.level, r.permissions, r.cross_tenant, r.created_at, r.updated_at
		from roles r
		join role_assignments ra on ra.tenant_id = r.tenant_id and ra.role_key = r.key
		where ra.tenant_id = $1 and ra.principal_id = $2
		order by r.level desc
	`, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *role)
	}
	return out, rows.Err()
}

func (r *roleStore) Assign(ctx context.Context, assignment access.RoleAssignment) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := r.db.ExecContext(ctx, `
		insert into role_assignments (tenant_id, principal_id, role_key, assigned_by, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, principal_id, role_key) do nothing
	`, assignment.TenantID, assignment.PrincipalID, string(assignment.RoleKey),
		nullIfEmpty(assignment.AssignedBy), assignment.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *roleStore) Remove(ctx context.Context, tenantID, principalID string, key access.RoleKey) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := r.db.ExecContext(ctx, `
		delete from role_assignments
		where tenant_id = $1 and principal_id = $2 and role_key = $3
	`, tenantID, principalID, string(key))
	return err
}

func (r *roleStore) Assignments(ctx context.Context, tenantID, principalID string) ([]access.RoleAssignment, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select tenant_id, principal_id, role_key, coalesce(assigned_by, ''), created_at
		from role_assignments
		where tenant_id = $1 and principal_id = $2
	`, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.RoleAssignment
	for rows.Next() {
		var (
			a   access.RoleAssignment
			key string
		)
		if err := rows.Scan(&a.TenantID, &a.PrincipalID, &key, &a.AssignedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RoleKey = access.RoleKey(key)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRole(row rowScanner) (*access.Role, error) {
	var (
		role  access.Role
		key   string
		perms []byte
	)
	err := row.Scan(&role.ID, &role.TenantID, &key, &role.Name, &role.Level, &perms,
		&role.CrossTenant, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	role.Key = access.RoleKey(key)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &role, nil
}
