package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"staykey.io/internal/ids"
)

// PermissionService computes what a principal may do within a tenant and
// guards the role-assignment mutations with the manage-down-only hierarchy.
type PermissionService struct {
	roles   RoleStore
	tenants TenantDirectory
	sink    Sink
	now     func() time.Time
}

// PermissionOption configures PermissionService behavior.
type PermissionOption func(*PermissionService) error

// WithPermissionClock overrides the time source (useful for tests).
func WithPermissionClock(fn func() time.Time) PermissionOption {
	return func(s *PermissionService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithPermissionSink sets the audit event sink.
func WithPermissionSink(sink Sink) PermissionOption {
	return func(s *PermissionService) error {
		if sink != nil {
			s.sink = sink
		}
		return nil
	}
}

// NewPermissionService constructs a PermissionService.
func NewPermissionService(roles RoleStore, tenants TenantDirectory, opts ...PermissionOption) (*PermissionService, error) {
	if roles == nil {
		return nil, errors.New("role store is required")
	}
	if tenants == nil {
		return nil, errors.New("tenant directory is required")
	}
	svc := &PermissionService{
		roles:   roles,
		tenants: tenants,
		sink:    NopSink{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// EnsureTenantRoles seeds the closed role catalog for a tenant. Called at
// tenant provisioning; safe to repeat.
func (s *PermissionService) EnsureTenantRoles(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	exists, err := s.tenants.TenantExists(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("check tenant: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}
	now := s.now().UTC()
	roles := make([]Role, 0, len(DefaultRoles))
	for _, spec := range DefaultRoles {
		if spec.CrossTenant {
			continue // platform roles live under PlatformScope only
		}
		roles = append(roles, Role{
			ID:          ids.New(),
			TenantID:    tenantID,
			Key:         spec.Key,
			Name:        spec.Name,
			Level:       spec.Level,
			Permissions: append([]string(nil), spec.Permissions...),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return s.roles.EnsureRoles(ctx, tenantID, roles)
}

// EffectivePermissions is the union of granted permissions across every role
// assigned to the principal in the tenant. A principal with no roles gets an
// empty set, which is not an error.
func (s *PermissionService) EffectivePermissions(ctx context.Context, tenantID, principalID string) (PermissionSet, error) {
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	if tenantID == "" || principalID == "" {
		return nil, fmt.Errorf("%w: tenant_id and principal_id are required", ErrInvalidInput)
	}
	roles, err := s.roles.RolesFor(ctx, tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	set := NewPermissionSet()
	for _, role := range roles {
		set.Add(role.Permissions...)
	}
	return set, nil
}

// AssignmentsFor lists the raw role assignments of a principal, for the
// management plane's role views.
func (s *PermissionService) AssignmentsFor(ctx context.Context, tenantID, principalID string) ([]RoleAssignment, error) {
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	if tenantID == "" || principalID == "" {
		return nil, fmt.Errorf("%w: tenant_id and principal_id are required", ErrInvalidInput)
	}
	assignments, err := s.roles.Assignments(ctx, tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, nil
}

// Authorize answers "can principal P do A in tenant T" with a single lookup.
func (s *PermissionService) Authorize(ctx context.Context, tenantID, principalID, permission string) (bool, error) {
	if !KnownPermission(permission) {
		return false, nil
	}
	set, err := s.EffectivePermissions(ctx, tenantID, principalID)
	if err != nil {
		return false, err
	}
	return set.Has(permission), nil
}

// CanManage is the hierarchy check: strictly manage-down. Equal levels manage
// nothing, including themselves; no permission grant overrides this.
func CanManage(acting, target Role) bool {
	return acting.Level > target.Level
}

// AssignRoleRequest describes a role-assignment mutation.
type AssignRoleRequest struct {
	TenantID    string
	AssignerID  string
	PrincipalID string
	RoleKey     RoleKey
}

// AssignRole validates tenant match and hierarchy, then grants the role.
func (s *PermissionService) AssignRole(ctx context.Context, req AssignRoleRequest) error {
	role, acting, err := s.checkRoleMutation(ctx, req)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.roles.Assign(ctx, RoleAssignment{
		TenantID:    req.TenantID,
		PrincipalID: req.PrincipalID,
		RoleKey:     role.Key,
		AssignedBy:  req.AssignerID,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	s.sink.Emit(Event{
		TenantID:    req.TenantID,
		PrincipalID: req.PrincipalID,
		SubjectID:   role.ID,
		Action:      ActionRoleAssigned,
		At:          now,
		Meta: map[string]string{
			"role":        string(role.Key),
			"assigned_by": req.AssignerID,
			"acting_role": string(acting.Key),
		},
	})
	return nil
}

// RemoveRole validates the same rules as AssignRole, then revokes the role.
func (s *PermissionService) RemoveRole(ctx context.Context, req AssignRoleRequest) error {
	role, acting, err := s.checkRoleMutation(ctx, req)
	if err != nil {
		return err
	}
	if err := s.roles.Remove(ctx, req.TenantID, req.PrincipalID, role.Key); err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	now := s.now().UTC()
	s.sink.Emit(Event{
		TenantID:    req.TenantID,
		PrincipalID: req.PrincipalID,
		SubjectID:   role.ID,
		Action:      ActionRoleRemoved,
		At:          now,
		Meta: map[string]string{
			"role":        string(role.Key),
			"removed_by":  req.AssignerID,
			"acting_role": string(acting.Key),
		},
	})
	return nil
}

// checkRoleMutation enforces the shared preconditions of assign and remove:
// the role key is known, the role belongs to the request tenant, the assigner
// operates within that tenant (or holds a cross-tenant platform role), is not
// targeting themselves, and sits strictly above the target role.
func (s *PermissionService) checkRoleMutation(ctx context.Context, req AssignRoleRequest) (*Role, Role, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.AssignerID = strings.TrimSpace(req.AssignerID)
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	if req.TenantID == "" || req.AssignerID == "" || req.PrincipalID == "" {
		return nil, Role{}, fmt.Errorf("%w: tenant_id, assigner_id and principal_id are required", ErrInvalidInput)
	}
	if !KnownRole(req.RoleKey) {
		return nil, Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, req.RoleKey)
	}
	if req.AssignerID == req.PrincipalID {
		// Self-grants are a hierarchy violation by definition.
		return nil, Role{}, ErrForbidden
	}

	role, err := s.roles.Role(ctx, req.TenantID, req.RoleKey)
	if err != nil {
		return nil, Role{}, fmt.Errorf("resolve role: %w", err)
	}
	if role == nil {
		return nil, Role{}, fmt.Errorf("%w: role %q not provisioned for tenant", ErrUnknownRole, req.RoleKey)
	}
	if role.TenantID != req.TenantID {
		return nil, Role{}, ErrTenantMismatch
	}

	acting, err := s.actingRole(ctx, req.TenantID, req.AssignerID)
	if err != nil {
		return nil, Role{}, err
	}
	if !acting.CrossTenant {
		perms := NewPermissionSet()
		assignerRoles, err := s.roles.RolesFor(ctx, req.TenantID, req.AssignerID)
		if err != nil {
			return nil, Role{}, fmt.Errorf("resolve assigner roles: %w", err)
		}
		for _, r := range assignerRoles {
			perms.Add(r.Permissions...)
		}
		if !perms.Has(PermRolesAssign) {
			return nil, Role{}, ErrForbidden
		}
	}
	if !CanManage(acting, *role) {
		return nil, Role{}, ErrForbidden
	}
	return role, acting, nil
}

// actingRole returns the assigner's highest-level role in the tenant, falling
// back to the explicitly flagged cross-tenant platform scope.
func (s *PermissionService) actingRole(ctx context.Context, tenantID, assignerID string) (Role, error) {
	roles, err := s.roles.RolesFor(ctx, tenantID, assignerID)
	if err != nil {
		return Role{}, fmt.Errorf("resolve assigner roles: %w", err)
	}
	if len(roles) == 0 {
		platform, err := s.roles.RolesFor(ctx, PlatformScope, assignerID)
		if err != nil {
			return Role{}, fmt.Errorf("resolve platform roles: %w", err)
		}
		for _, r := range platform {
			if r.CrossTenant {
				roles = append(roles, r)
			}
		}
	}
	if len(roles) == 0 {
		// The assigner has no standing in this tenant at all.
		return Role{}, ErrTenantMismatch
	}
	top := roles[0]
	for _, r := range roles[1:] {
		if r.Level > top.Level {
			top = r
		}
	}
	return top, nil
}
