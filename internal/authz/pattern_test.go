package authz

import "testing"

func TestValidPattern(t *testing.T) {
	valid := []string{"devices.read.own", "*.*.*", "devices.*.*", "*.read.own", "devices.read.*"}
	for _, p := range valid {
		if !ValidPattern(p) {
			t.Fatalf("expected %q to be valid", p)
		}
	}
	invalid := []string{"", "devices.read", "devices.read.own.extra", "Devices.read.own", "devices..own", "devices.read.own1", "devices.re-ad.own", "devices.**.own"}
	for _, p := range invalid {
		if ValidPattern(p) {
			t.Fatalf("expected %q to be invalid", p)
		}
	}
}

func TestValidPermissionRejectsWildcards(t *testing.T) {
	if !ValidPermission("devices.read.own") {
		t.Fatal("concrete permission rejected")
	}
	if ValidPermission("devices.*.own") {
		t.Fatal("wildcard permission accepted")
	}
	if ValidPermission("devices.read") {
		t.Fatal("two-segment permission accepted")
	}
}

func TestPermissionMatches(t *testing.T) {
	cases := []struct {
		pattern, target string
		want            bool
	}{
		{"devices.read.own", "devices.read.own", true},
		{"devices.*.*", "devices.delete.all", true},
		{"*.*.*", "billing.export.all", true},
		{"devices.read.*", "devices.read.own", true},
		{"devices.read.own", "devices.read.all", false},
		{"devices.*.own", "billing.read.own", false},
	}
	for _, c := range cases {
		if got := PermissionMatches([]string{c.pattern}, c.target); got != c.want {
			t.Fatalf("PermissionMatches(%q, %q) = %v, want %v", c.pattern, c.target, got, c.want)
		}
	}
}

func TestScopeMatches(t *testing.T) {
	cases := []struct {
		assignment, resource string
		want                 bool
	}{
		{"customer:123", "customer:123", true},
		{"*", "customer:123/asset:456", true},
		{"customer:1*", "customer:123", true},
		{"customer:1*", "customer:223", false},
		{"customer:123", "customer:123/asset:456", true},
		{"customer:123", "customer:1234", false},
		{"customer:123/asset:456", "customer:123", false},
	}
	for _, c := range cases {
		if got := ScopeMatches(c.assignment, c.resource); got != c.want {
			t.Fatalf("ScopeMatches(%q, %q) = %v, want %v", c.assignment, c.resource, got, c.want)
		}
	}
}

func TestValidScope(t *testing.T) {
	valid := []string{"*", "customer:123", "customer:123/asset:456", "customer:1*", "customer:123/*"}
	for _, s := range valid {
		if !ValidScope(s) {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	invalid := []string{"", "customer", "customer:", ":123", "customer:123//asset:456"}
	for _, s := range invalid {
		if ValidScope(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}

func TestDecideDenyOverridesAllow(t *testing.T) {
	allow := Policy{Key: "device-admin", Allow: []string{"devices.*.*"}}
	deny := Policy{Key: "no-delete", Deny: []string{"devices.delete.*"}}

	for _, order := range [][]Policy{{allow, deny}, {deny, allow}} {
		d := Decide(order, "devices.delete.all")
		if d.Allowed {
			t.Fatalf("deny did not override allow for order %v", []string{order[0].Key, order[1].Key})
		}
		if d.Reason != "Explicitly denied by policy: no-delete" {
			t.Fatalf("unexpected reason: %q", d.Reason)
		}
		if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "no-delete" {
			t.Fatalf("unexpected matched policies: %v", d.MatchedPolicies)
		}
	}
}

func TestDecideAllow(t *testing.T) {
	policies := []Policy{
		{Key: "device-admin", Allow: []string{"devices.*.*"}, Deny: []string{"devices.delete.*"}},
	}
	d := Decide(policies, "devices.read.own")
	if !d.Allowed {
		t.Fatalf("expected allow, got %q", d.Reason)
	}
	if d.Reason != "Permission granted by policy" {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "device-admin" {
		t.Fatalf("unexpected matched policies: %v", d.MatchedPolicies)
	}
}

func TestDecideDefaultDeny(t *testing.T) {
	policies := []Policy{{Key: "reader", Allow: []string{"devices.read.*"}}}
	d := Decide(policies, "billing.export.all")
	if d.Allowed {
		t.Fatal("expected default deny")
	}
	if d.Reason != "Permission not found in any assigned policies" {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
	if len(d.MatchedPolicies) != 0 {
		t.Fatalf("unexpected matched policies: %v", d.MatchedPolicies)
	}
}

func TestDecideCollectsAllAllowingPolicies(t *testing.T) {
	policies := []Policy{
		{Key: "reader", Allow: []string{"devices.read.*"}},
		{Key: "viewer", Allow: []string{"*.read.own"}},
	}
	d := Decide(policies, "devices.read.own")
	if !d.Allowed || len(d.MatchedPolicies) != 2 {
		t.Fatalf("expected both policies matched, got %v", d.MatchedPolicies)
	}
}
