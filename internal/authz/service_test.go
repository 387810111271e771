package authz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordSink) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordSink) byAction(action string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

var testActor = Actor{UserID: "admin-1", Type: "user"}

func newTestService(t *testing.T, opts ...Option) (*Service, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	svc, err := NewService(NewInMemory(), append([]Option{WithEventSink(sink)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return svc, sink
}

// seedDeviceAdmin creates the device-admin policy/role pair and assigns it
// to u1 at customer:123.
func seedDeviceAdmin(t *testing.T, svc *Service) RoleAssignment {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreatePolicy(ctx, "t1", NewPolicy{
		Key:         "device-admin",
		DisplayName: "Device Admin",
		Allow:       []string{"devices.*.*"},
		Deny:        []string{"devices.delete.*"},
	}, testActor); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateRole(ctx, "t1", NewRole{
		Key:         "device-manager",
		DisplayName: "Device Manager",
		Policies:    []string{"device-admin"},
	}, testActor); err != nil {
		t.Fatal(err)
	}
	a, err := svc.AssignRole(ctx, "t1", NewAssignment{
		UserID:  "u1",
		RoleKey: "device-manager",
		Scope:   "customer:123",
	}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCreateRoleRejectsMissingPolicies(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateRole(ctx, "t1", NewRole{
		Key:         "broken",
		DisplayName: "Broken",
		Policies:    []string{"nope", "also-nope"},
	}, testActor)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") || !strings.Contains(err.Error(), "also-nope") {
		t.Fatalf("error should name every missing key: %v", err)
	}
}

func TestCreateRoleDefaultsAndConflict(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreatePolicy(ctx, "t1", NewPolicy{Key: "p", DisplayName: "P", Allow: []string{"devices.read.own"}}, testActor); err != nil {
		t.Fatal(err)
	}
	role, err := svc.CreateRole(ctx, "t1", NewRole{Key: "viewer", DisplayName: "Viewer", Policies: []string{"p", "p"}}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if role.RiskLevel != RiskLow || role.Version != 1 {
		t.Fatalf("defaults: %+v", role)
	}
	if len(role.Policies) != 1 {
		t.Fatalf("policy keys not deduplicated: %v", role.Policies)
	}
	if _, err := svc.CreateRole(ctx, "t1", NewRole{Key: "viewer", DisplayName: "Viewer", Policies: []string{"p"}}, testActor); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := sink.byAction("created"); len(got) != 2 { // policy + role
		t.Fatalf("expected 2 created events, got %d", len(got))
	}
}

func TestCreatePolicyRejectsMalformedPatterns(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreatePolicy(ctx, "t1", NewPolicy{
		Key:         "bad",
		DisplayName: "Bad",
		Allow:       []string{"devices.read.own", "Devices.Read"},
	}, testActor)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "Devices.Read") {
		t.Fatalf("error should name the bad pattern: %v", err)
	}
}

func TestUpdateRoleSystemForbidden(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreatePolicy(ctx, "t1", NewPolicy{Key: "p", DisplayName: "P", Allow: []string{"devices.read.own"}}, testActor); err != nil {
		t.Fatal(err)
	}
	role, err := svc.CreateRole(ctx, "t1", NewRole{Key: "root", DisplayName: "Root", Policies: []string{"p"}, IsSystem: true}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	name := "Still Root"
	if _, err := svc.UpdateRole(ctx, "t1", role.ID, RolePatch{DisplayName: &name}, testActor); !errors.Is(err, ErrForbidden) {
		t.Fatalf("update: expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteRole(ctx, "t1", role.ID, testActor); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete: expected ErrForbidden, got %v", err)
	}
}

func TestDeleteRoleBlockedByActiveAssignments(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := seedDeviceAdmin(t, svc)
	role, _ := svc.GetRoleByKey(ctx, "t1", "device-manager")

	err := svc.DeleteRole(ctx, "t1", role.ID, testActor)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), a.ID) {
		t.Fatalf("error should reference the blocking assignment: %v", err)
	}

	if _, err := svc.RevokeAssignment(ctx, "t1", a.ID, testActor); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteRole(ctx, "t1", role.ID, testActor); err != nil {
		t.Fatal(err)
	}
}

func TestDeletePolicyBlockedByRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedDeviceAdmin(t, svc)
	policy, _ := svc.GetPolicyByKey(ctx, "t1", "device-admin")

	err := svc.DeletePolicy(ctx, "t1", policy.ID, testActor)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "device-manager") {
		t.Fatalf("error should name the referencing role: %v", err)
	}
}

func TestAssignRoleValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedDeviceAdmin(t, svc)

	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u2", RoleKey: "ghost", Scope: "customer:1"}, testActor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown role: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u2", RoleKey: "device-manager", Scope: "customer"}, testActor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad scope: expected ErrInvalidInput, got %v", err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u2", RoleKey: "device-manager", Scope: "customer:1", ExpiresAt: &past}, testActor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("past expiry: expected ErrInvalidInput, got %v", err)
	}
	// Duplicate active triple.
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u1", RoleKey: "device-manager", Scope: "customer:123"}, testActor); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: expected ErrConflict, got %v", err)
	}
	// Same role in a different scope is a separate grant.
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u1", RoleKey: "device-manager", Scope: "customer:999"}, testActor); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluatePermission(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	seedDeviceAdmin(t, svc)

	d, err := svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.read.own", ResourceScope: "customer:123"}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got %q", d.Reason)
	}

	d, err = svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.delete.all", ResourceScope: "customer:123"}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != "Explicitly denied by policy: device-admin" {
		t.Fatalf("expected explicit deny, got %+v", d)
	}

	// The assignment covers nested sub-scopes but not sibling customers.
	d, _ = svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.read.own", ResourceScope: "customer:123/asset:456"}, testActor)
	if !d.Allowed {
		t.Fatalf("nested scope should be covered, got %q", d.Reason)
	}
	d, _ = svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.read.own", ResourceScope: "customer:777"}, testActor)
	if d.Allowed || d.Reason != "No active role assignments found for this scope" {
		t.Fatalf("sibling scope: %+v", d)
	}

	if got := sink.byAction("evaluated"); len(got) != 4 {
		t.Fatalf("expected 4 evaluation events, got %d", len(got))
	}
}

func TestEvaluatePermissionRejectsMalformedInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.*.own", ResourceScope: "customer:1"}, testActor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("wildcard permission: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.read.own", ResourceScope: ""}, testActor); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty scope: expected ErrInvalidInput, got %v", err)
	}
}

func TestRevokeThenEvaluate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	a := seedDeviceAdmin(t, svc)

	revoked, err := svc.RevokeAssignment(ctx, "t1", a.ID, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if revoked.Status != StatusInactive || revoked.Version != 2 {
		t.Fatalf("revoked: %+v", revoked)
	}
	if _, err := svc.RevokeAssignment(ctx, "t1", a.ID, testActor); !errors.Is(err, ErrConflict) {
		t.Fatalf("second revoke: expected ErrConflict, got %v", err)
	}

	d, err := svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u1", Permission: "devices.read.own", ResourceScope: "customer:123"}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != "No active role assignments found for this scope" {
		t.Fatalf("revoked grant still effective: %+v", d)
	}

	// History stays queryable.
	list, err := svc.GetUserAssignments(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != StatusInactive {
		t.Fatalf("history: %+v", list)
	}
}

func TestEvaluateIgnoresLapsedAssignmentBeforeSweep(t *testing.T) {
	current := time.Now()
	svc, _ := newTestService(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()
	seedDeviceAdmin(t, svc)
	exp := current.Add(time.Hour)
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u2", RoleKey: "device-manager", Scope: "customer:5", ExpiresAt: &exp}, testActor); err != nil {
		t.Fatal(err)
	}

	current = current.Add(2 * time.Hour)
	d, err := svc.EvaluatePermission(ctx, "t1", EvalRequest{UserID: "u2", Permission: "devices.read.own", ResourceScope: "customer:5"}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != "No active role assignments found for this scope" {
		t.Fatalf("lapsed assignment still effective: %+v", d)
	}
}

func TestEvaluateBatch(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()
	seedDeviceAdmin(t, svc)

	res, err := svc.EvaluateBatch(ctx, "t1", BatchEvalRequest{
		UserID:        "u1",
		ResourceScope: "customer:123",
		Permissions:   []string{"devices.read.own", "devices.delete.all"},
	}, testActor)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Total != 2 || res.Summary.Allowed != 1 || res.Summary.Denied != 1 {
		t.Fatalf("summary: %+v", res.Summary)
	}
	if !res.Results["devices.read.own"].Allowed {
		t.Fatalf("read: %+v", res.Results["devices.read.own"])
	}
	if res.Results["devices.delete.all"].Allowed {
		t.Fatalf("delete: %+v", res.Results["devices.delete.all"])
	}
	if got := sink.byAction("evaluated"); len(got) != 2 {
		t.Fatalf("expected one evaluation event per permission, got %d", len(got))
	}
}

func TestGetEffectivePermissions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedDeviceAdmin(t, svc)
	// A second policy allowing the exact pattern the first denies. The deny
	// must survive aggregation regardless of policy order.
	if _, err := svc.CreatePolicy(ctx, "t1", NewPolicy{
		Key:         "deleter",
		DisplayName: "Deleter",
		Allow:       []string{"devices.delete.*", "billing.read.own"},
	}, testActor); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateRole(ctx, "t1", NewRole{Key: "cleanup", DisplayName: "Cleanup", Policies: []string{"deleter"}}, testActor); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u1", RoleKey: "cleanup", Scope: "customer:123"}, testActor); err != nil {
		t.Fatal(err)
	}

	perms, err := svc.GetEffectivePermissions(ctx, "t1", "u1", "customer:123")
	if err != nil {
		t.Fatal(err)
	}
	byPattern := map[string]EffectivePermission{}
	for _, p := range perms {
		if _, dup := byPattern[p.Permission]; dup {
			t.Fatalf("duplicate entry for %q", p.Permission)
		}
		byPattern[p.Permission] = p
	}
	del, ok := byPattern["devices.delete.*"]
	if !ok || del.Allowed || del.Source != "device-admin" {
		t.Fatalf("deny was overwritten: %+v", del)
	}
	if e := byPattern["devices.*.*"]; !e.Allowed {
		t.Fatalf("allow entry: %+v", e)
	}
	if e := byPattern["billing.read.own"]; !e.Allowed || e.Source != "deleter" {
		t.Fatalf("billing entry: %+v", e)
	}
}

func TestExpireOldAssignmentsIdempotent(t *testing.T) {
	current := time.Now()
	svc, sink := newTestService(t, WithClock(func() time.Time { return current }))
	ctx := context.Background()
	seedDeviceAdmin(t, svc)

	exp := current.Add(time.Hour)
	lapsing, err := svc.AssignRole(ctx, "t1", NewAssignment{UserID: "u3", RoleKey: "device-manager", Scope: "customer:9", ExpiresAt: &exp}, testActor)
	if err != nil {
		t.Fatal(err)
	}

	current = current.Add(2 * time.Hour)
	n, err := svc.ExpireOldAssignments(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("first sweep: expected 1, got %d", n)
	}
	got, _ := svc.store.Assignments(ctx).GetByID(ctx, "t1", lapsing.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status after sweep: %s", got.Status)
	}

	n, err = svc.ExpireOldAssignments(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second sweep: expected 0, got %d", n)
	}
	if got := sink.byAction("expired"); len(got) != 1 {
		t.Fatalf("expected 1 expired event, got %d", len(got))
	}
}

func TestServiceSurvivesNilAndPanickingSink(t *testing.T) {
	svc, err := NewService(NewInMemory())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreatePolicy(context.Background(), "t1", NewPolicy{Key: "p", DisplayName: "P", Allow: []string{"devices.read.own"}}, testActor); err != nil {
		t.Fatal(err)
	}

	panicky, err := NewService(NewInMemory(), WithEventSink(panicSink{}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := panicky.CreatePolicy(context.Background(), "t1", NewPolicy{Key: "p", DisplayName: "P", Allow: []string{"devices.read.own"}}, testActor); err != nil {
		t.Fatal(err)
	}
}

type panicSink struct{}

func (panicSink) Publish(Event) { panic("sink down") }
