package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenauth.org/internal/ids"
)

// Service orchestrates the entity stores and the evaluator, enforces
// cross-entity invariants and emits domain events. It holds no mutable
// state beyond its collaborators; every call is independently re-entrant.
type Service struct {
	store  Store
	events EventSink
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithEventSink wires the best-effort event publisher.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) error {
		s.events = sink
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service with optional configuration.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("authz store is required")
	}
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// emit publishes a domain event. Emission is fire-and-forget: a panicking
// or missing sink never reaches the caller.
func (s *Service) emit(tenantID, entityType, entityID, action string, data map[string]any, actor Actor) {
	if s.events == nil {
		return
	}
	defer func() { _ = recover() }()
	s.events.Publish(Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Data:       data,
		Actor:      actor,
		OccurredAt: s.now().UTC(),
	})
}

func requireTenant(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return tenantID, nil
}

// missingPolicyKeys returns the policy keys absent from the tenant, in the
// order they were requested.
func (s *Service) missingPolicyKeys(ctx context.Context, tenantID string, keys []string) ([]string, error) {
	found, err := s.store.Policies(ctx).GetByKeys(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(found))
	for _, p := range found {
		present[p.Key] = struct{}{}
	}
	var missing []string
	for _, k := range keys {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (s *Service) checkPolicyRefs(ctx context.Context, tenantID string, keys []string) error {
	missing, err := s.missingPolicyKeys(ctx, tenantID, keys)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: policies not found: %s", ErrNotFound, strings.Join(missing, ", "))
	}
	return nil
}

func dedupeKeys(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func invalidPatterns(patterns []string) []string {
	var bad []string
	for _, p := range patterns {
		if !ValidPattern(p) {
			bad = append(bad, p)
		}
	}
	return bad
}

// --- roles ---

// CreateRole validates the role, verifies every referenced policy key
// exists in the tenant and persists the role.
func (s *Service) CreateRole(ctx context.Context, tenantID string, in NewRole, actor Actor) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return Role{}, fmt.Errorf("%w: role key is required", ErrInvalidInput)
	}
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.DisplayName == "" {
		return Role{}, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	policies := dedupeKeys(in.Policies)
	if len(policies) == 0 {
		return Role{}, fmt.Errorf("%w: at least one policy is required", ErrInvalidInput)
	}
	if in.RiskLevel == "" {
		in.RiskLevel = RiskLow
	}
	if !in.RiskLevel.Valid() {
		return Role{}, fmt.Errorf("%w: unsupported risk level %q", ErrInvalidInput, in.RiskLevel)
	}
	if err := s.checkPolicyRefs(ctx, tenantID, policies); err != nil {
		return Role{}, err
	}

	now := s.now().UTC()
	role := Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Key:         in.Key,
		DisplayName: in.DisplayName,
		Description: strings.TrimSpace(in.Description),
		Policies:    policies,
		Tags:        dedupeKeys(in.Tags),
		RiskLevel:   in.RiskLevel,
		IsSystem:    in.IsSystem,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actor.UserID,
		UpdatedBy:   actor.UserID,
	}
	if err := s.store.Roles(ctx).Create(ctx, &role); err != nil {
		if errors.Is(err, ErrConflict) {
			return Role{}, fmt.Errorf("%w: role key %q already exists", ErrConflict, role.Key)
		}
		return Role{}, err
	}
	s.emit(tenantID, "role", role.ID, "created", map[string]any{"key": role.Key}, actor)
	return role, nil
}

// GetRoleByID loads a role by its identifier.
func (s *Service) GetRoleByID(ctx context.Context, tenantID, id string) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	return s.store.Roles(ctx).GetByID(ctx, tenantID, id)
}

// GetRoleByKey loads a role by its tenant-unique human key.
func (s *Service) GetRoleByKey(ctx context.Context, tenantID, key string) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	return s.store.Roles(ctx).GetByKey(ctx, tenantID, key)
}

// UpdateRole applies the patch under optimistic concurrency. System roles
// are immutable.
func (s *Service) UpdateRole(ctx context.Context, tenantID, id string, patch RolePatch, actor Actor) (Role, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.Roles(ctx).GetByID(ctx, tenantID, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("%w: system role %q cannot be modified", ErrForbidden, role.Key)
	}

	var changed []string
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return Role{}, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
		}
		role.DisplayName = name
		changed = append(changed, "display_name")
	}
	if patch.Description != nil {
		role.Description = strings.TrimSpace(*patch.Description)
		changed = append(changed, "description")
	}
	if patch.Policies != nil {
		policies := dedupeKeys(patch.Policies)
		if len(policies) == 0 {
			return Role{}, fmt.Errorf("%w: at least one policy is required", ErrInvalidInput)
		}
		if err := s.checkPolicyRefs(ctx, tenantID, policies); err != nil {
			return Role{}, err
		}
		role.Policies = policies
		changed = append(changed, "policies")
	}
	if patch.Tags != nil {
		role.Tags = dedupeKeys(patch.Tags)
		changed = append(changed, "tags")
	}
	if patch.RiskLevel != nil {
		if !patch.RiskLevel.Valid() {
			return Role{}, fmt.Errorf("%w: unsupported risk level %q", ErrInvalidInput, *patch.RiskLevel)
		}
		role.RiskLevel = *patch.RiskLevel
		changed = append(changed, "risk_level")
	}
	if len(changed) == 0 {
		return role, nil
	}

	role.UpdatedAt = s.now().UTC()
	role.UpdatedBy = actor.UserID
	if err := s.store.Roles(ctx).Update(ctx, &role); err != nil {
		return Role{}, err
	}
	s.emit(tenantID, "role", role.ID, "updated", map[string]any{"key": role.Key, "changed": changed}, actor)
	return role, nil
}

// DeleteRole removes a role unless it is a system role or still referenced
// by active assignments.
func (s *Service) DeleteRole(ctx context.Context, tenantID, id string, actor Actor) error {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	role, err := s.store.Roles(ctx).GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q cannot be deleted", ErrForbidden, role.Key)
	}
	active, err := s.store.Assignments(ctx).ListActiveByRoleKey(ctx, tenantID, role.Key)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		refs := make([]string, 0, len(active))
		for _, a := range active {
			refs = append(refs, a.ID)
		}
		return fmt.Errorf("%w: role %q has active assignments: %s", ErrConflict, role.Key, strings.Join(refs, ", "))
	}
	if err := s.store.Roles(ctx).Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.emit(tenantID, "role", role.ID, "deleted", map[string]any{"key": role.Key}, actor)
	return nil
}

// ListRoles pages through the tenant's roles.
func (s *Service) ListRoles(ctx context.Context, tenantID string, f RoleFilter) (Page[Role], error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Page[Role]{}, err
	}
	return s.store.Roles(ctx).List(ctx, tenantID, f)
}

// --- policies ---

// CreatePolicy validates the pattern grammar and persists the policy.
func (s *Service) CreatePolicy(ctx context.Context, tenantID string, in NewPolicy, actor Actor) (Policy, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Policy{}, err
	}
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return Policy{}, fmt.Errorf("%w: policy key is required", ErrInvalidInput)
	}
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.DisplayName == "" {
		return Policy{}, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	allow := dedupeKeys(in.Allow)
	deny := dedupeKeys(in.Deny)
	if len(allow) == 0 && len(deny) == 0 {
		return Policy{}, fmt.Errorf("%w: policy needs at least one allow or deny pattern", ErrInvalidInput)
	}
	if bad := invalidPatterns(append(append([]string{}, allow...), deny...)); len(bad) > 0 {
		return Policy{}, fmt.Errorf("%w: malformed permission patterns: %s", ErrInvalidInput, strings.Join(bad, ", "))
	}
	if in.RiskLevel == "" {
		in.RiskLevel = RiskLow
	}
	if !in.RiskLevel.Valid() {
		return Policy{}, fmt.Errorf("%w: unsupported risk level %q", ErrInvalidInput, in.RiskLevel)
	}

	now := s.now().UTC()
	policy := Policy{
		ID:          ids.New(),
		TenantID:    tenantID,
		Key:         in.Key,
		DisplayName: in.DisplayName,
		Description: strings.TrimSpace(in.Description),
		Allow:       allow,
		Deny:        deny,
		Conditions:  in.Conditions,
		RiskLevel:   in.RiskLevel,
		IsSystem:    in.IsSystem,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   actor.UserID,
		UpdatedBy:   actor.UserID,
	}
	if err := s.store.Policies(ctx).Create(ctx, &policy); err != nil {
		if errors.Is(err, ErrConflict) {
			return Policy{}, fmt.Errorf("%w: policy key %q already exists", ErrConflict, policy.Key)
		}
		return Policy{}, err
	}
	s.emit(tenantID, "policy", policy.ID, "created", map[string]any{"key": policy.Key}, actor)
	return policy, nil
}

// GetPolicyByID loads a policy by its identifier.
func (s *Service) GetPolicyByID(ctx context.Context, tenantID, id string) (Policy, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Policy{}, err
	}
	return s.store.Policies(ctx).GetByID(ctx, tenantID, id)
}

// GetPolicyByKey loads a policy by its tenant-unique human key.
func (s *Service) GetPolicyByKey(ctx context.Context, tenantID, key string) (Policy, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Policy{}, err
	}
	return s.store.Policies(ctx).GetByKey(ctx, tenantID, key)
}

// UpdatePolicy applies the patch under optimistic concurrency. System
// policies are immutable.
func (s *Service) UpdatePolicy(ctx context.Context, tenantID, id string, patch PolicyPatch, actor Actor) (Policy, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Policy{}, err
	}
	policy, err := s.store.Policies(ctx).GetByID(ctx, tenantID, id)
	if err != nil {
		return Policy{}, err
	}
	if policy.IsSystem {
		return Policy{}, fmt.Errorf("%w: system policy %q cannot be modified", ErrForbidden, policy.Key)
	}

	var changed []string
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return Policy{}, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
		}
		policy.DisplayName = name
		changed = append(changed, "display_name")
	}
	if patch.Description != nil {
		policy.Description = strings.TrimSpace(*patch.Description)
		changed = append(changed, "description")
	}
	if patch.Allow != nil {
		policy.Allow = dedupeKeys(patch.Allow)
		changed = append(changed, "allow")
	}
	if patch.Deny != nil {
		policy.Deny = dedupeKeys(patch.Deny)
		changed = append(changed, "deny")
	}
	if patch.Allow != nil || patch.Deny != nil {
		if len(policy.Allow) == 0 && len(policy.Deny) == 0 {
			return Policy{}, fmt.Errorf("%w: policy needs at least one allow or deny pattern", ErrInvalidInput)
		}
		if bad := invalidPatterns(append(append([]string{}, policy.Allow...), policy.Deny...)); len(bad) > 0 {
			return Policy{}, fmt.Errorf("%w: malformed permission patterns: %s", ErrInvalidInput, strings.Join(bad, ", "))
		}
	}
	if patch.Conditions != nil {
		policy.Conditions = patch.Conditions
		changed = append(changed, "conditions")
	}
	if patch.RiskLevel != nil {
		if !patch.RiskLevel.Valid() {
			return Policy{}, fmt.Errorf("%w: unsupported risk level %q", ErrInvalidInput, *patch.RiskLevel)
		}
		policy.RiskLevel = *patch.RiskLevel
		changed = append(changed, "risk_level")
	}
	if len(changed) == 0 {
		return policy, nil
	}

	policy.UpdatedAt = s.now().UTC()
	policy.UpdatedBy = actor.UserID
	if err := s.store.Policies(ctx).Update(ctx, &policy); err != nil {
		return Policy{}, err
	}
	s.emit(tenantID, "policy", policy.ID, "updated", map[string]any{"key": policy.Key, "changed": changed}, actor)
	return policy, nil
}

// DeletePolicy removes a policy unless it is a system policy or still
// listed by any role.
func (s *Service) DeletePolicy(ctx context.Context, tenantID, id string, actor Actor) error {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return err
	}
	policy, err := s.store.Policies(ctx).GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if policy.IsSystem {
		return fmt.Errorf("%w: system policy %q cannot be deleted", ErrForbidden, policy.Key)
	}
	holders, err := s.store.Roles(ctx).ListByPolicyKey(ctx, tenantID, policy.Key)
	if err != nil {
		return err
	}
	if len(holders) > 0 {
		refs := make([]string, 0, len(holders))
		for _, r := range holders {
			refs = append(refs, r.Key)
		}
		return fmt.Errorf("%w: policy %q is referenced by roles: %s", ErrConflict, policy.Key, strings.Join(refs, ", "))
	}
	if err := s.store.Policies(ctx).Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.emit(tenantID, "policy", policy.ID, "deleted", map[string]any{"key": policy.Key}, actor)
	return nil
}

// ListPolicies pages through the tenant's policies.
func (s *Service) ListPolicies(ctx context.Context, tenantID string, f PolicyFilter) (Page[Policy], error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Page[Policy]{}, err
	}
	return s.store.Policies(ctx).List(ctx, tenantID, f)
}

// --- assignments ---

// AssignRole grants a role to a user within a scope. At most one active
// assignment may exist for a (user, role key, scope) triple.
func (s *Service) AssignRole(ctx context.Context, tenantID string, in NewAssignment, grantedBy Actor) (RoleAssignment, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return RoleAssignment{}, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.RoleKey = strings.TrimSpace(in.RoleKey)
	in.Scope = strings.TrimSpace(in.Scope)
	if in.UserID == "" || in.RoleKey == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user_id and role_key are required", ErrInvalidInput)
	}
	if !ValidScope(in.Scope) {
		return RoleAssignment{}, fmt.Errorf("%w: scope %q is missing a required entity id", ErrInvalidInput, in.Scope)
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return RoleAssignment{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if _, err := s.store.Roles(ctx).GetByKey(ctx, tenantID, in.RoleKey); err != nil {
		if errors.Is(err, ErrNotFound) {
			return RoleAssignment{}, fmt.Errorf("%w: role %q", ErrNotFound, in.RoleKey)
		}
		return RoleAssignment{}, err
	}
	if _, err := s.store.Assignments(ctx).FindActive(ctx, tenantID, in.UserID, in.RoleKey, in.Scope); err == nil {
		return RoleAssignment{}, fmt.Errorf("%w: user %q already holds role %q in scope %q", ErrConflict, in.UserID, in.RoleKey, in.Scope)
	} else if !errors.Is(err, ErrNotFound) {
		return RoleAssignment{}, err
	}

	assignment := RoleAssignment{
		ID:        ids.New(),
		TenantID:  tenantID,
		UserID:    in.UserID,
		RoleKey:   in.RoleKey,
		Scope:     in.Scope,
		Status:    StatusActive,
		ExpiresAt: in.ExpiresAt,
		GrantedBy: grantedBy.UserID,
		GrantedAt: now,
		Reason:    strings.TrimSpace(in.Reason),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Assignments(ctx).Create(ctx, &assignment); err != nil {
		return RoleAssignment{}, err
	}
	s.emit(tenantID, "assignment", assignment.ID, "assigned", map[string]any{
		"user_id":  assignment.UserID,
		"role_key": assignment.RoleKey,
		"scope":    assignment.Scope,
	}, grantedBy)
	return assignment, nil
}

// RevokeAssignment transitions an active assignment to inactive. History is
// preserved: revoked assignments remain queryable.
func (s *Service) RevokeAssignment(ctx context.Context, tenantID, assignmentID string, revokedBy Actor) (RoleAssignment, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return RoleAssignment{}, err
	}
	assignment, err := s.store.Assignments(ctx).GetByID(ctx, tenantID, assignmentID)
	if err != nil {
		return RoleAssignment{}, err
	}
	if !assignment.Status.CanTransitionTo(StatusInactive) {
		return RoleAssignment{}, fmt.Errorf("%w: assignment %s is %s, only active assignments can be revoked", ErrConflict, assignment.ID, assignment.Status)
	}
	assignment.Status = StatusInactive
	assignment.UpdatedAt = s.now().UTC()
	if err := s.store.Assignments(ctx).Update(ctx, &assignment); err != nil {
		return RoleAssignment{}, err
	}
	s.emit(tenantID, "assignment", assignment.ID, "revoked", map[string]any{
		"user_id":  assignment.UserID,
		"role_key": assignment.RoleKey,
		"scope":    assignment.Scope,
	}, revokedBy)
	return assignment, nil
}

// GetUserAssignments returns all assignments for the user across statuses.
func (s *Service) GetUserAssignments(ctx context.Context, tenantID, userID string) ([]RoleAssignment, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.Assignments(ctx).ListByUser(ctx, tenantID, userID)
}

// ListAssignments pages through the tenant's assignments.
func (s *Service) ListAssignments(ctx context.Context, tenantID string, f AssignmentFilter) (Page[RoleAssignment], error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Page[RoleAssignment]{}, err
	}
	return s.store.Assignments(ctx).List(ctx, tenantID, f)
}

// ExpireOldAssignments transitions every active assignment whose expiry has
// passed to expired, via the normal optimistic update path, and returns the
// number transitioned. Safe to run repeatedly or concurrently: assignments
// lost to a racing writer are skipped and picked up by the next run if
// still eligible.
func (s *Service) ExpireOldAssignments(ctx context.Context, tenantID string) (int, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	candidates, err := s.store.Assignments(ctx).ListExpired(ctx, tenantID, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range candidates {
		a.Status = StatusExpired
		a.UpdatedAt = now
		if err := s.store.Assignments(ctx).Update(ctx, &a); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return count, err
		}
		count++
		s.emit(tenantID, "assignment", a.ID, "expired", map[string]any{
			"user_id":  a.UserID,
			"role_key": a.RoleKey,
			"scope":    a.Scope,
		}, Actor{Type: "system"})
	}
	return count, nil
}

// --- evaluation ---

// evaluationSet is the assignments/roles/policies snapshot one or more
// decisions are computed against.
type evaluationSet struct {
	assignments []RoleAssignment
	policies    []Policy
}

func (s *Service) loadEvaluationSet(ctx context.Context, tenantID, userID, resourceScope string) (evaluationSet, error) {
	all, err := s.store.Assignments(ctx).ListByUser(ctx, tenantID, userID)
	if err != nil {
		return evaluationSet{}, err
	}
	now := s.now()
	var matched []RoleAssignment
	for _, a := range all {
		if a.Status != StatusActive {
			continue
		}
		// An assignment past its expiry is treated as expired even before
		// the sweep has transitioned it.
		if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			continue
		}
		if ScopeMatches(a.Scope, resourceScope) {
			matched = append(matched, a)
		}
	}
	if len(matched) == 0 {
		return evaluationSet{}, nil
	}

	var roleKeys []string
	seenRoles := make(map[string]struct{})
	for _, a := range matched {
		if _, ok := seenRoles[a.RoleKey]; ok {
			continue
		}
		seenRoles[a.RoleKey] = struct{}{}
		roleKeys = append(roleKeys, a.RoleKey)
	}
	roles, err := s.store.Roles(ctx).GetByKeys(ctx, tenantID, roleKeys)
	if err != nil {
		return evaluationSet{}, err
	}

	var policyKeys []string
	seenPolicies := make(map[string]struct{})
	for _, r := range roles {
		for _, pk := range r.Policies {
			if _, ok := seenPolicies[pk]; ok {
				continue
			}
			seenPolicies[pk] = struct{}{}
			policyKeys = append(policyKeys, pk)
		}
	}
	policies, err := s.store.Policies(ctx).GetByKeys(ctx, tenantID, policyKeys)
	if err != nil {
		return evaluationSet{}, err
	}
	return evaluationSet{assignments: matched, policies: policies}, nil
}

const reasonNoAssignments = "No active role assignments found for this scope"

// EvaluatePermission decides whether the user holds the permission within
// the resource scope. A denied outcome is a successfully computed decision,
// not an error. The decision is always reported to the event sink; sink
// failure never affects the result.
func (s *Service) EvaluatePermission(ctx context.Context, tenantID string, req EvalRequest, actor Actor) (Decision, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return Decision{}, err
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return Decision{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !ValidPermission(req.Permission) {
		return Decision{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, req.Permission)
	}
	if !ValidScope(req.ResourceScope) {
		return Decision{}, fmt.Errorf("%w: resource scope %q is missing a required entity id", ErrInvalidInput, req.ResourceScope)
	}

	set, err := s.loadEvaluationSet(ctx, tenantID, req.UserID, req.ResourceScope)
	if err != nil {
		return Decision{}, err
	}
	decision := s.decideAndReport(tenantID, set, req, actor)
	return decision, nil
}

func (s *Service) decideAndReport(tenantID string, set evaluationSet, req EvalRequest, actor Actor) Decision {
	var decision Decision
	if len(set.assignments) == 0 {
		decision = Decision{Allowed: false, Reason: reasonNoAssignments}
	} else {
		decision = Decide(set.policies, req.Permission)
	}
	s.emit(tenantID, "evaluation", req.UserID, "evaluated", map[string]any{
		"permission":     req.Permission,
		"resource_scope": req.ResourceScope,
		"allowed":        decision.Allowed,
		"reason":         decision.Reason,
	}, actor)
	return decision
}

// EvaluateBatch checks several permissions against one scope. The
// assignment/role/policy snapshot is loaded once; each permission is
// decided exactly as EvaluatePermission would decide it in isolation.
func (s *Service) EvaluateBatch(ctx context.Context, tenantID string, req BatchEvalRequest, actor Actor) (BatchResult, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return BatchResult{}, err
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return BatchResult{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if len(req.Permissions) == 0 {
		return BatchResult{}, fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
	}
	for _, p := range req.Permissions {
		if !ValidPermission(p) {
			return BatchResult{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, p)
		}
	}
	if !ValidScope(req.ResourceScope) {
		return BatchResult{}, fmt.Errorf("%w: resource scope %q is missing a required entity id", ErrInvalidInput, req.ResourceScope)
	}

	set, err := s.loadEvaluationSet(ctx, tenantID, req.UserID, req.ResourceScope)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{Results: make(map[string]Decision, len(req.Permissions))}
	for _, perm := range req.Permissions {
		if _, done := result.Results[perm]; done {
			continue
		}
		decision := s.decideAndReport(tenantID, set, EvalRequest{
			UserID:        req.UserID,
			Permission:    perm,
			ResourceScope: req.ResourceScope,
		}, actor)
		result.Results[perm] = decision
		result.Summary.Total++
		if decision.Allowed {
			result.Summary.Allowed++
		} else {
			result.Summary.Denied++
		}
	}
	return result, nil
}

// GetEffectivePermissions aggregates the user's policies into one entry per
// literal pattern string. Per policy, allow entries apply first and never
// overwrite an established deny; deny entries always overwrite. Patterns
// are not expanded: overlapping wildcard and concrete patterns stay
// distinct entries.
func (s *Service) GetEffectivePermissions(ctx context.Context, tenantID, userID, scope string) ([]EffectivePermission, error) {
	tenantID, err := requireTenant(tenantID)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	all, err := s.store.Assignments(ctx).ListByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var roleKeys []string
	seenRoles := make(map[string]struct{})
	for _, a := range all {
		if a.Status != StatusActive {
			continue
		}
		if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			continue
		}
		if scope != "" && !ScopeMatches(a.Scope, scope) {
			continue
		}
		if _, ok := seenRoles[a.RoleKey]; ok {
			continue
		}
		seenRoles[a.RoleKey] = struct{}{}
		roleKeys = append(roleKeys, a.RoleKey)
	}
	roles, err := s.store.Roles(ctx).GetByKeys(ctx, tenantID, roleKeys)
	if err != nil {
		return nil, err
	}
	var policyKeys []string
	seenPolicies := make(map[string]struct{})
	for _, r := range roles {
		for _, pk := range r.Policies {
			if _, ok := seenPolicies[pk]; ok {
				continue
			}
			seenPolicies[pk] = struct{}{}
			policyKeys = append(policyKeys, pk)
		}
	}
	policies, err := s.store.Policies(ctx).GetByKeys(ctx, tenantID, policyKeys)
	if err != nil {
		return nil, err
	}

	effective := make(map[string]EffectivePermission)
	for _, p := range policies {
		for _, pattern := range p.Allow {
			if existing, ok := effective[pattern]; ok && !existing.Allowed {
				continue
			}
			effective[pattern] = EffectivePermission{
				Permission: pattern,
				Allowed:    true,
				Source:     p.Key,
				Conditions: p.Conditions,
			}
		}
		for _, pattern := range p.Deny {
			effective[pattern] = EffectivePermission{
				Permission: pattern,
				Allowed:    false,
				Source:     p.Key,
				Conditions: p.Conditions,
			}
		}
	}

	out := make([]EffectivePermission, 0, len(effective))
	for _, e := range effective {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}
