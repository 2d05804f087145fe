// smoke-access runs the whole credential lifecycle against the in-memory
// store: provision roles, issue a QR token, resolve, consume, validate the
// session, assign a role, then bulk-revoke. Exits non-zero on the first
// broken invariant.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"staykey.io/internal/access"
	"staykey.io/internal/store/memory"
)

const tenant = "smoke-hotel"

func main() {
	log.SetFlags(0)
	ctx := context.Background()

	store := memory.New()
	store.AddTenant(tenant)

	hasher, err := access.NewHasher("smoke-access-hash-key-32-bytes..")
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}
	perms, err := access.NewPermissionService(store.Roles(), store)
	if err != nil {
		log.Fatalf("permission service: %v", err)
	}
	if err := perms.EnsureTenantRoles(ctx, tenant); err != nil {
		log.Fatalf("provision roles: %v", err)
	}
	tokens, err := access.NewTokenService(store.Tokens(), store, hasher)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	sessions, err := access.NewSessionService(store.Sessions(), perms, hasher)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}

	// Issue with a tight business deadline and consume.
	issued, err := tokens.Issue(ctx, access.IssueRequest{
		TenantID:     tenant,
		Kind:         access.SessionKindGuest,
		Purpose:      "room 101",
		TTL:          24 * time.Hour,
		HardDeadline: time.Now().UTC().Add(6 * time.Hour),
	})
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	if _, err := tokens.Resolve(ctx, issued.Token); err != nil {
		log.Fatalf("resolve: %v", err)
	}
	seed, err := tokens.Consume(ctx, issued.Token, "")
	if err != nil {
		log.Fatalf("consume: %v", err)
	}
	if _, err := tokens.Consume(ctx, issued.Token, ""); !errors.Is(err, access.ErrAlreadyConsumed) {
		log.Fatalf("second consume: expected ErrAlreadyConsumed, got %v", err)
	}

	created, err := sessions.CreateFromSeed(ctx, seed, seed.HardDeadline)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}
	if created.Session.ExpiresAt.After(time.Now().UTC().Add(6*time.Hour + time.Minute)) {
		log.Fatalf("hard deadline not applied: expires %v", created.Session.ExpiresAt)
	}
	principal, err := sessions.Validate(ctx, created.Token)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	if !principal.HasPermission(access.PermKBView) {
		log.Fatal("guest session lacks kb.view")
	}

	// Role engine: owner assigns manager, manager inherits tokens.issue.
	if err := store.Roles().Assign(ctx, access.RoleAssignment{
		TenantID: tenant, PrincipalID: "owner-1", RoleKey: access.RoleOwner,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Fatalf("seed owner: %v", err)
	}
	if err := perms.AssignRole(ctx, access.AssignRoleRequest{
		TenantID: tenant, AssignerID: "owner-1", PrincipalID: "manager-1",
		RoleKey: access.RoleManager,
	}); err != nil {
		log.Fatalf("assign manager: %v", err)
	}
	ok, err := perms.Authorize(ctx, tenant, "manager-1", access.PermTokensIssue)
	if err != nil || !ok {
		log.Fatalf("manager should hold tokens.issue (ok=%v err=%v)", ok, err)
	}

	// Bulk revocation kills the live session.
	if err := sessions.InvalidateAll(ctx, tenant, principal.PrincipalID); err != nil {
		log.Fatalf("invalidate all: %v", err)
	}
	if _, err := sessions.Validate(ctx, created.Token); !errors.Is(err, access.ErrInvalidSession) {
		log.Fatalf("session survived bulk revocation: %v", err)
	}

	log.Println("smoke-access: OK")
}
