package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"staykey.io/internal/access"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var tokenRowCols = []string{
	"id", "tenant_id", "kind", "target_principal_id", "token_hash", "purpose",
	"issued_at", "expires_at", "hard_deadline", "consumed_at", "consumed_by",
	"revoked_at", "revoked_by", "metadata",
}

func TestTokenInsert(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into access_tokens").
		WithArgs("tok-1", "tenant-1", "guest", sqlmock.AnyArg(), "hash-1", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Tokens().Insert(context.Background(), &access.AccessToken{
		ID:        "tok-1",
		TenantID:  "tenant-1",
		Kind:      access.SessionKindGuest,
		TokenHash: "hash-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTokenInsertConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("insert into access_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Tokens().Insert(context.Background(), &access.AccessToken{
		ID: "tok-1", TenantID: "tenant-1", Kind: access.SessionKindGuest, TokenHash: "hash-1",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTokenConsumeConditionalUpdate(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("update access_tokens").
		WithArgs("hash-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenRowCols).
			AddRow("tok-1", "tenant-1", "guest", nil, "hash-1", "room 101",
				now.Add(-time.Minute), now.Add(time.Hour), nil, now, "guest-1", nil, nil, []byte(`{"room":"101"}`)))

	tok, matched, err := store.Tokens().Consume(context.Background(), "hash-1", now, now, "guest-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !matched {
		t.Fatal("expected the update to match")
	}
	if tok.ID != "tok-1" || tok.ConsumedAt == nil || tok.ConsumedBy != "guest-1" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if tok.Metadata["room"] != "101" {
		t.Fatalf("metadata lost: %v", tok.Metadata)
	}
	expectationsMet(t, mock)
}

func TestTokenConsumeLoser(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	// The WHERE clause filtered everything out: the caller reclassifies. The
	// predicate covers the business deadline as well as consume/revoke/expiry.
	mock.ExpectQuery("update access_tokens(.|\n)+hard_deadline is null or hard_deadline").
		WillReturnRows(sqlmock.NewRows(tokenRowCols))

	tok, matched, err := store.Tokens().Consume(context.Background(), "hash-1", now, now, "")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if matched || tok != nil {
		t.Fatalf("expected a miss, got matched=%v tok=%+v", matched, tok)
	}
	expectationsMet(t, mock)
}

func TestTokenRevoke(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("update access_tokens").
		WithArgs("tenant-1", "tok-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(tokenRowCols).
			AddRow("tok-1", "tenant-1", "guest", nil, "hash-1", nil,
				now.Add(-time.Minute), now.Add(time.Hour), nil, nil, nil, now, "manager-1", []byte("{}")))

	tok, matched, err := store.Tokens().Revoke(context.Background(), "tenant-1", "tok-1", now, "manager-1")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !matched || tok.RevokedAt == nil || tok.RevokedBy != "manager-1" {
		t.Fatalf("unexpected result: matched=%v tok=%+v", matched, tok)
	}
	expectationsMet(t, mock)
}

func TestTokenGetByHashMiss(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("select (.+) from access_tokens where token_hash").
		WithArgs("hash-x").
		WillReturnRows(sqlmock.NewRows(tokenRowCols))

	tok, err := store.Tokens().GetByHash(context.Background(), "hash-x")
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if tok != nil {
		t.Fatalf("expected nil, got %+v", tok)
	}
	expectationsMet(t, mock)
}

func TestSessionInvalidate(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("update sessions set invalidated_at").
		WithArgs("tenant-1", "sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update sessions set invalidated_at").
		WithArgs("tenant-1", "sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	matched, err := store.Sessions().Invalidate(context.Background(), "tenant-1", "sess-1", now)
	if err != nil || !matched {
		t.Fatalf("first invalidate: matched=%v err=%v", matched, err)
	}
	// Second pass hits the invalidated_at-is-null guard.
	matched, err = store.Sessions().Invalidate(context.Background(), "tenant-1", "sess-1", now)
	if err != nil || matched {
		t.Fatalf("second invalidate: matched=%v err=%v", matched, err)
	}
	expectationsMet(t, mock)
}

func TestSessionInsertAndGetByHash(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into sessions").
		WithArgs("sess-1", "tenant-1", "guest-1", "guest", "tok-1", "hash-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select (.+) from sessions where session_hash").
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "principal_id", "kind", "token_id", "session_hash",
			"issued_at", "expires_at", "hard_deadline", "permissions", "capabilities", "invalidated_at",
		}).AddRow("sess-1", "tenant-1", "guest-1", "guest", "tok-1", "hash-1",
			now, now.Add(time.Hour), nil, []byte(`["tickets.view"]`), []byte(`{"can_view_tickets":true}`), nil))

	err := store.Sessions().Insert(context.Background(), &access.EphemeralSession{
		ID: "sess-1", TenantID: "tenant-1", PrincipalID: "guest-1",
		Kind: access.SessionKindGuest, TokenID: "tok-1", SessionHash: "hash-1",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
		Permissions: []string{"tickets.view"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sess, err := store.Sessions().GetByHash(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if sess == nil || sess.ID != "sess-1" || len(sess.Permissions) != 1 || !sess.Capabilities.CanViewTickets {
		t.Fatalf("unexpected session: %+v", sess)
	}
	expectationsMet(t, mock)
}

func TestRevocationWatermark(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into session_revocations").
		WithArgs("tenant-1", "guest-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select revoked_before from session_revocations").
		WithArgs("tenant-1", "guest-1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_before"}).AddRow(now))
	mock.ExpectQuery("select revoked_before from session_revocations").
		WithArgs("tenant-1", "nobody").
		WillReturnRows(sqlmock.NewRows([]string{"revoked_before"}))

	if err := store.Sessions().SetRevocationWatermark(context.Background(), "tenant-1", "guest-1", now); err != nil {
		t.Fatalf("SetRevocationWatermark: %v", err)
	}
	at, err := store.Sessions().RevocationWatermark(context.Background(), "tenant-1", "guest-1")
	if err != nil || !at.Equal(now) {
		t.Fatalf("watermark: at=%v err=%v", at, err)
	}
	// Absent watermark reads as the zero time, not an error.
	at, err = store.Sessions().RevocationWatermark(context.Background(), "tenant-1", "nobody")
	if err != nil || !at.IsZero() {
		t.Fatalf("absent watermark: at=%v err=%v", at, err)
	}
	expectationsMet(t, mock)
}

func TestEnsureRolesRunsInTransaction(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("insert into roles").
		WithArgs("role-1", "tenant-1", "guest", "Guest", 10, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into roles").
		WithArgs("role-2", "tenant-1", "manager", "Manager", 70, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Roles().EnsureRoles(context.Background(), "tenant-1", []access.Role{
		{ID: "role-1", TenantID: "tenant-1", Key: access.RoleGuest, Name: "Guest", Level: 10, CreatedAt: now, UpdatedAt: now},
		{ID: "role-2", TenantID: "tenant-1", Key: access.RoleManager, Name: "Manager", Level: 70, CreatedAt: now, UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("EnsureRoles: %v", err)
	}
	expectationsMet(t, mock)
}

func TestRolesFor(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("join role_assignments").
		WithArgs("tenant-1", "staff-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "key", "name", "level", "permissions", "cross_tenant", "created_at", "updated_at",
		}).
			AddRow("role-2", "tenant-1", "manager", "Manager", 70, []byte(`["tokens.issue","roles.assign"]`), false, now, now).
			AddRow("role-1", "tenant-1", "guest", "Guest", 10, []byte(`["tickets.view"]`), false, now, now))

	roles, err := store.Roles().RolesFor(context.Background(), "tenant-1", "staff-1")
	if err != nil {
		t.Fatalf("RolesFor: %v", err)
	}
	if len(roles) != 2 || roles[0].Key != access.RoleManager || len(roles[0].Permissions) != 2 {
		t.Fatalf("unexpected roles: %+v", roles)
	}
	expectationsMet(t, mock)
}

func TestTenantExists(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("select 1 from tenants").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select 1 from tenants").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	ok, err := store.TenantExists(context.Background(), "tenant-1")
	if err != nil || !ok {
		t.Fatalf("expected exists, got ok=%v err=%v", ok, err)
	}
	ok, err = store.TenantExists(context.Background(), "ghost")
	if err != nil || ok {
		t.Fatalf("expected missing, got ok=%v err=%v", ok, err)
	}
	expectationsMet(t, mock)
}
