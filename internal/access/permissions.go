package access

import "sort"

// Permission groups.
const (
	GroupTickets   = "tickets"
	GroupBookings  = "bookings"
	GroupKnowledge = "knowledge"
	GroupBilling   = "billing"
	GroupAdmin     = "administration"
)

// Permission keys. The set is closed and versioned with the deployment;
// unknown keys are rejected at write time, never normalized at read time.
const (
	PermTicketsView   = "tickets.view"
	PermTicketsCreate = "tickets.create"
	PermTicketsUpdate = "tickets.update"
	PermTicketsDelete = "tickets.delete"

	PermBookingsView   = "bookings.view"
	PermBookingsManage = "bookings.manage"

	PermKBView   = "kb.view"
	PermKBManage = "kb.manage"

	PermBillingView   = "billing.view"
	PermBillingManage = "billing.manage"

	PermRolesView   = "roles.view"
	PermRolesAssign = "roles.assign"

	PermTokensIssue    = "tokens.issue"
	PermTokensRevoke   = "tokens.revoke"
	PermSessionsRevoke = "sessions.revoke"
)

// Catalog is the deployed permission catalog.
var Catalog = []Permission{
	{Key: PermTicketsView, Name: "View tickets", Group: GroupTickets},
	{Key: PermTicketsCreate, Name: "Create tickets", Group: GroupTickets},
	{Key: PermTicketsUpdate, Name: "Update tickets", Group: GroupTickets},
	{Key: PermTicketsDelete, Name: "Delete tickets", Group: GroupTickets},
	{Key: PermBookingsView, Name: "View bookings", Group: GroupBookings},
	{Key: PermBookingsManage, Name: "Manage bookings", Group: GroupBookings},
	{Key: PermKBView, Name: "View knowledge base", Group: GroupKnowledge},
	{Key: PermKBManage, Name: "Manage knowledge base", Group: GroupKnowledge},
	{Key: PermBillingView, Name: "View billing", Group: GroupBilling},
	{Key: PermBillingManage, Name: "Manage billing", Group: GroupBilling},
	{Key: PermRolesView, Name: "View roles", Group: GroupAdmin},
	{Key: PermRolesAssign, Name: "Assign and revoke roles", Group: GroupAdmin},
	{Key: PermTokensIssue, Name: "Issue access tokens", Group: GroupAdmin},
	{Key: PermTokensRevoke, Name: "Revoke access tokens", Group: GroupAdmin},
	{Key: PermSessionsRevoke, Name: "Revoke principal sessions", Group: GroupAdmin},
}

var catalogKeys = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Catalog))
	for _, p := range Catalog {
		m[p.Key] = struct{}{}
	}
	return m
}()

// KnownPermission reports whether key is part of the deployed catalog.
func KnownPermission(key string) bool {
	_, ok := catalogKeys[key]
	return ok
}

// PermissionSet is an effective permission set resolved for a principal or
// frozen onto a session.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, dropping duplicates.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// Has is the membership test used on every authorization check.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Add unions keys into the set.
func (s PermissionSet) Add(keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		s[k] = struct{}{}
	}
}

// Keys returns the sorted key list, suitable for snapshots and responses.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CapabilitiesFor derives the session capability flags from a snapshot.
func CapabilitiesFor(perms PermissionSet) Capabilities {
	return Capabilities{
		CanViewTickets:   perms.Has(PermTicketsView),
		CanCreateTickets: perms.Has(PermTicketsCreate),
		CanAccessKB:      perms.Has(PermKBView),
		CanViewBookings:  perms.Has(PermBookingsView),
		CanManageRoles:   perms.Has(PermRolesAssign),
	}
}
