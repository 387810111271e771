package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tenauth.org/internal/ids"
)

func TestMemoryRoleCRUD(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	role := Role{ID: ids.New(), TenantID: "t1", Key: "admin", DisplayName: "Admin", Policies: []string{"p"}, Version: 1}
	if err := m.Roles(ctx).Create(ctx, &role); err != nil {
		t.Fatal(err)
	}
	if err := m.Roles(ctx).Create(ctx, &Role{ID: ids.New(), TenantID: "t1", Key: "admin", Version: 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate key: expected ErrConflict, got %v", err)
	}
	// Same key in another tenant is fine.
	if err := m.Roles(ctx).Create(ctx, &Role{ID: ids.New(), TenantID: "t2", Key: "admin", Version: 1}); err != nil {
		t.Fatal(err)
	}

	byID, err := m.Roles(ctx).GetByID(ctx, "t1", role.ID)
	if err != nil || byID.Key != "admin" {
		t.Fatalf("GetByID: %v %+v", err, byID)
	}
	byKey, err := m.Roles(ctx).GetByKey(ctx, "t1", "admin")
	if err != nil || byKey.ID != role.ID {
		t.Fatalf("GetByKey: %v %+v", err, byKey)
	}
	if _, err := m.Roles(ctx).GetByID(ctx, "t2", role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant GetByID: expected ErrNotFound, got %v", err)
	}

	if err := m.Roles(ctx).Delete(ctx, "t1", role.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Roles(ctx).GetByKey(ctx, "t1", "admin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryOptimisticUpdate(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	role := Role{ID: ids.New(), TenantID: "t1", Key: "ops", DisplayName: "Ops", Version: 1}
	if err := m.Roles(ctx).Create(ctx, &role); err != nil {
		t.Fatal(err)
	}

	upd := role
	upd.DisplayName = "Operations"
	if err := m.Roles(ctx).Update(ctx, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", upd.Version)
	}

	stale := role // still carries version 1
	stale.DisplayName = "Stale"
	if err := m.Roles(ctx).Update(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update: expected ErrConflict, got %v", err)
	}
	current, _ := m.Roles(ctx).GetByID(ctx, "t1", role.ID)
	if current.Version != 2 || current.DisplayName != "Operations" {
		t.Fatalf("stale update mutated record: %+v", current)
	}
}

func TestMemoryStoreCopiesOnRead(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	policy := Policy{ID: ids.New(), TenantID: "t1", Key: "p", Allow: []string{"devices.read.own"}, Version: 1}
	if err := m.Policies(ctx).Create(ctx, &policy); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Policies(ctx).GetByKey(ctx, "t1", "p")
	got.Allow[0] = "devices.delete.all"
	again, _ := m.Policies(ctx).GetByKey(ctx, "t1", "p")
	if again.Allow[0] != "devices.read.own" {
		t.Fatalf("stored slice was mutated through a read copy: %v", again.Allow)
	}
}

func TestMemoryRoleListPagination(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		r := Role{ID: ids.New(), TenantID: "t1", Key: fmt.Sprintf("role-%d", i), Version: 1}
		if err := m.Roles(ctx).Create(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := m.Roles(ctx).List(ctx, "t1", RoleFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1.Items) != 2 || !page1.HasMore || page1.NextCursor == "" {
		t.Fatalf("page1: %+v", page1)
	}
	page2, err := m.Roles(ctx).List(ctx, "t1", RoleFilter{Limit: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	page3, err := m.Roles(ctx).List(ctx, "t1", RoleFilter{Limit: 2, Cursor: page2.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Items) != 2 || len(page3.Items) != 1 || page3.HasMore {
		t.Fatalf("page2=%d page3=%d hasMore=%v", len(page2.Items), len(page3.Items), page3.HasMore)
	}

	seen := map[string]bool{}
	for _, p := range [][]Role{page1.Items, page2.Items, page3.Items} {
		for _, r := range p {
			if seen[r.Key] {
				t.Fatalf("role %q returned twice", r.Key)
			}
			seen[r.Key] = true
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct roles, got %d", len(seen))
	}
}

func TestMemoryListFilters(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	high := RiskHigh
	sys := true

	roles := []Role{
		{ID: ids.New(), TenantID: "t1", Key: "a", RiskLevel: RiskLow, Version: 1},
		{ID: ids.New(), TenantID: "t1", Key: "b", RiskLevel: RiskHigh, Version: 1},
		{ID: ids.New(), TenantID: "t1", Key: "c", RiskLevel: RiskHigh, IsSystem: true, Version: 1},
	}
	for i := range roles {
		if err := m.Roles(ctx).Create(ctx, &roles[i]); err != nil {
			t.Fatal(err)
		}
	}

	page, _ := m.Roles(ctx).List(ctx, "t1", RoleFilter{RiskLevel: &high})
	if len(page.Items) != 2 {
		t.Fatalf("risk filter: expected 2, got %d", len(page.Items))
	}
	page, _ = m.Roles(ctx).List(ctx, "t1", RoleFilter{RiskLevel: &high, IsSystem: &sys})
	if len(page.Items) != 1 || page.Items[0].Key != "c" {
		t.Fatalf("combined filter: %+v", page.Items)
	}
}

func TestMemorySingleActiveAssignment(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	a := RoleAssignment{ID: ids.New(), TenantID: "t1", UserID: "u1", RoleKey: "admin", Scope: "customer:1", Status: StatusActive, Version: 1}
	if err := m.Assignments(ctx).Create(ctx, &a); err != nil {
		t.Fatal(err)
	}
	dup := RoleAssignment{ID: ids.New(), TenantID: "t1", UserID: "u1", RoleKey: "admin", Scope: "customer:1", Status: StatusActive, Version: 1}
	if err := m.Assignments(ctx).Create(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate active triple, got %v", err)
	}
	// A non-active record for the same triple is allowed.
	hist := RoleAssignment{ID: ids.New(), TenantID: "t1", UserID: "u1", RoleKey: "admin", Scope: "customer:1", Status: StatusInactive, Version: 1}
	if err := m.Assignments(ctx).Create(ctx, &hist); err != nil {
		t.Fatal(err)
	}

	found, err := m.Assignments(ctx).FindActive(ctx, "t1", "u1", "admin", "customer:1")
	if err != nil || found.ID != a.ID {
		t.Fatalf("FindActive: %v %+v", err, found)
	}
	if _, err := m.Assignments(ctx).FindActive(ctx, "t1", "u1", "admin", "customer:2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other scope, got %v", err)
	}
}

func TestMemoryListExpired(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(status AssignmentStatus, exp *time.Time) RoleAssignment {
		return RoleAssignment{ID: ids.New(), TenantID: "t1", UserID: ids.New(), RoleKey: "r", Scope: "customer:1", Status: status, ExpiresAt: exp, Version: 1}
	}
	expired := mk(StatusActive, &past)
	for _, a := range []RoleAssignment{expired, mk(StatusActive, &future), mk(StatusActive, nil), mk(StatusInactive, &past)} {
		a := a
		if err := m.Assignments(ctx).Create(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.Assignments(ctx).ListExpired(ctx, "t1", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("ListExpired: %+v", got)
	}
}
