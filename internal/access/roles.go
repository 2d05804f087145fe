package access

// RoleKey is the stable machine name of a role. The set is closed; unknown
// keys are rejected at tenant provisioning and assignment time.
type RoleKey string

const (
	RoleGuest       RoleKey = "guest"
	RoleMaintenance RoleKey = "maintenance"
	RoleReception   RoleKey = "reception"
	RoleManager     RoleKey = "manager"
	RoleOwner       RoleKey = "owner"

	// RolePlatformAdmin is the cross-tenant super-role held by the SaaS
	// control plane. It is the only role not scoped to a single tenant.
	RolePlatformAdmin RoleKey = "platform-admin"
)

// PlatformScope is the pseudo-tenant under which cross-tenant role
// assignments are stored.
const PlatformScope = "*"

// RoleSpec describes a catalog role seeded into each tenant at provisioning.
type RoleSpec struct {
	Key         RoleKey
	Name        string
	Level       int
	Permissions []string
	CrossTenant bool
}

// DefaultRoles is the closed role catalog. Levels encode the manage-down-only
// hierarchy: a role may assign or revoke strictly lower levels.
var DefaultRoles = []RoleSpec{
	{
		Key:         RoleGuest,
		Name:        "Guest",
		Level:       10,
		Permissions: []string{PermTicketsView, PermTicketsCreate, PermKBView, PermBookingsView},
	},
	{
		Key:         RoleMaintenance,
		Name:        "Maintenance",
		Level:       30,
		Permissions: []string{PermTicketsView, PermTicketsUpdate},
	},
	{
		Key:   RoleReception,
		Name:  "Reception",
		Level: 50,
		Permissions: []string{
			PermTicketsView, PermTicketsCreate, PermTicketsUpdate,
			PermBookingsView, PermBookingsManage, PermKBView, PermTokensIssue,
		},
	},
	{
		Key:   RoleManager,
		Name:  "Manager",
		Level: 70,
		Permissions: []string{
			PermTicketsView, PermTicketsCreate, PermTicketsUpdate, PermTicketsDelete,
			PermBookingsView, PermBookingsManage, PermKBView, PermKBManage,
			PermBillingView, PermRolesView, PermRolesAssign,
			PermTokensIssue, PermTokensRevoke, PermSessionsRevoke,
		},
	},
	{
		Key:         RoleOwner,
		Name:        "Owner",
		Level:       100,
		Permissions: allPermissionKeys(),
	},
	{
		Key:         RolePlatformAdmin,
		Name:        "Platform administrator",
		Level:       1000,
		Permissions: allPermissionKeys(),
		CrossTenant: true,
	},
}

var roleSpecs = func() map[RoleKey]RoleSpec {
	m := make(map[RoleKey]RoleSpec, len(DefaultRoles))
	for _, r := range DefaultRoles {
		m[r.Key] = r
	}
	return m
}()

// KnownRole reports whether key belongs to the closed role catalog.
func KnownRole(key RoleKey) bool {
	_, ok := roleSpecs[key]
	return ok
}

// RoleCatalog returns the spec for a known role key.
func RoleCatalog(key RoleKey) (RoleSpec, bool) {
	spec, ok := roleSpecs[key]
	return spec, ok
}

// DefaultKindPermissions is the baseline snapshot for principals that hold a
// valid token but no role assignments yet (a guest scanning a room QR code).
func DefaultKindPermissions(kind SessionKind) []string {
	switch kind {
	case SessionKindGuest:
		return roleSpecs[RoleGuest].Permissions
	case SessionKindStaff:
		return []string{PermTicketsView, PermKBView}
	default:
		return nil
	}
}

func allPermissionKeys() []string {
	keys := make([]string, 0, len(Catalog))
	for _, p := range Catalog {
		keys = append(keys, p.Key)
	}
	return keys
}
