package authz

import "strings"

// Permission strings are exactly three dot-separated segments:
// domain.function.action, e.g. "devices.read.own". A pattern may replace any
// segment with the wildcard "*". Scopes are slash-delimited hierarchical
// paths such as "customer:123/asset:456"; "*" is the global scope.

const (
	wildcard           = "*"
	permissionSegments = 3
)

// ValidPattern reports whether p is a well-formed permission pattern:
// three segments, each either "*" or one or more lowercase letters.
func ValidPattern(p string) bool {
	parts := strings.Split(p, ".")
	if len(parts) != permissionSegments {
		return false
	}
	for _, seg := range parts {
		if seg == wildcard {
			continue
		}
		if !lowerAlpha(seg) {
			return false
		}
	}
	return true
}

// ValidPermission reports whether p is a concrete permission: three
// lowercase segments with no wildcards.
func ValidPermission(p string) bool {
	parts := strings.Split(p, ".")
	if len(parts) != permissionSegments {
		return false
	}
	for _, seg := range parts {
		if !lowerAlpha(seg) {
			return false
		}
	}
	return true
}

func lowerAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// PermissionMatches reports whether any pattern in the list matches the
// target permission. A pattern matches when every one of its three segments
// equals the corresponding target segment or is the wildcard.
func PermissionMatches(patterns []string, target string) bool {
	tp := strings.Split(target, ".")
	if len(tp) != permissionSegments {
		return false
	}
	for _, pattern := range patterns {
		pp := strings.Split(pattern, ".")
		if len(pp) != permissionSegments {
			continue
		}
		matched := true
		for i := 0; i < permissionSegments; i++ {
			if pp[i] != wildcard && pp[i] != tp[i] {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// ScopeMatches reports whether an assignment granted at assignmentScope
// covers a check against resourceScope. A scope covers itself, everything
// when global, prefix matches when it ends in "*", and all of its nested
// sub-scopes.
func ScopeMatches(assignmentScope, resourceScope string) bool {
	if assignmentScope == resourceScope {
		return true
	}
	if assignmentScope == wildcard {
		return true
	}
	if strings.HasSuffix(assignmentScope, wildcard) {
		prefix := strings.TrimSuffix(assignmentScope, wildcard)
		return strings.HasPrefix(resourceScope, prefix)
	}
	return strings.HasPrefix(resourceScope, assignmentScope+"/")
}

// ValidScope reports whether s is a well-formed scope: the global "*", or
// slash-delimited segments of the form "type:id". A trailing segment may be
// a bare "*" or end in "*" for prefix grants.
func ValidScope(s string) bool {
	if s == "" {
		return false
	}
	if s == wildcard {
		return true
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == wildcard {
			continue
		}
		name, id, ok := strings.Cut(seg, ":")
		if !ok || name == "" || id == "" {
			return false
		}
	}
	return true
}

// Decide runs the allow/deny resolution over the set of matched policies.
// Any deny match is final regardless of allow patterns anywhere in the set
// or of the order policies are visited; with no deny, a single allow match
// suffices; otherwise the default is deny.
func Decide(policies []Policy, permission string) Decision {
	var matched []string
	allowed := false
	for _, p := range policies {
		if PermissionMatches(p.Deny, permission) {
			return Decision{
				Allowed:         false,
				Reason:          "Explicitly denied by policy: " + p.Key,
				MatchedPolicies: []string{p.Key},
			}
		}
		if PermissionMatches(p.Allow, permission) {
			allowed = true
			matched = append(matched, p.Key)
		}
	}
	if allowed {
		return Decision{
			Allowed:         true,
			Reason:          "Permission granted by policy",
			MatchedPolicies: matched,
		}
	}
	return Decision{
		Allowed: false,
		Reason:  "Permission not found in any assigned policies",
	}
}
