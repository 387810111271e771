package authz

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and DSN-less development runs; production uses the Postgres store.
type InMemory struct {
	mu          sync.RWMutex
	roles       map[string]*Role           // tenant|id
	roleKeys    map[string]string          // tenant|key -> id
	policies    map[string]*Policy         // tenant|id
	policyKeys  map[string]string          // tenant|key -> id
	assignments map[string]*RoleAssignment // tenant|id
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		roles:       make(map[string]*Role),
		roleKeys:    make(map[string]string),
		policies:    make(map[string]*Policy),
		policyKeys:  make(map[string]string),
		assignments: make(map[string]*RoleAssignment),
	}
}

func (m *InMemory) Roles(ctx context.Context) RoleStore             { return (*memRoles)(m) }
func (m *InMemory) Policies(ctx context.Context) PolicyStore        { return (*memPolicies)(m) }
func (m *InMemory) Assignments(ctx context.Context) AssignmentStore { return (*memAssignments)(m) }

func memKey(tenantID, id string) string { return tenantID + "|" + id }

func encodeCursor(last string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(last))
}

func decodeCursor(cursor string) string {
	if cursor == "" {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return ""
	}
	return string(raw)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageLimit {
		return defaultPageLimit
	}
	return limit
}

// paginate slices a key-sorted result set after the cursor position.
func paginate[T any](items []T, keyOf func(T) string, limit int, cursor string) Page[T] {
	sort.Slice(items, func(i, j int) bool { return keyOf(items[i]) < keyOf(items[j]) })
	after := decodeCursor(cursor)
	start := 0
	if after != "" {
		start = sort.Search(len(items), func(i int) bool { return keyOf(items[i]) > after })
	}
	limit = clampLimit(limit)
	end := start + limit
	page := Page[T]{}
	if end >= len(items) {
		end = len(items)
	} else {
		page.HasMore = true
	}
	page.Items = items[start:end]
	if page.HasMore && len(page.Items) > 0 {
		page.NextCursor = encodeCursor(keyOf(page.Items[len(page.Items)-1]))
	}
	return page
}

// --- roles ---

type memRoles InMemory

func copyRole(r *Role) Role {
	out := *r
	out.Policies = append([]string(nil), r.Policies...)
	out.Tags = append([]string(nil), r.Tags...)
	return out
}

func (m *memRoles) Create(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.roleKeys[memKey(role.TenantID, role.Key)]; exists {
		return ErrConflict
	}
	stored := copyRole(role)
	m.roles[memKey(role.TenantID, role.ID)] = &stored
	m.roleKeys[memKey(role.TenantID, role.Key)] = role.ID
	return nil
}

func (m *memRoles) GetByID(ctx context.Context, tenantID, id string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[memKey(tenantID, id)]
	if !ok {
		return Role{}, ErrNotFound
	}
	return copyRole(r), nil
}

func (m *memRoles) GetByKey(ctx context.Context, tenantID, key string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.roleKeys[memKey(tenantID, key)]
	if !ok {
		return Role{}, ErrNotFound
	}
	return copyRole(m.roles[memKey(tenantID, id)]), nil
}

func (m *memRoles) GetByKeys(ctx context.Context, tenantID string, keys []string) ([]Role, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Role
	for _, key := range keys {
		if id, ok := m.roleKeys[memKey(tenantID, key)]; ok {
			out = append(out, copyRole(m.roles[memKey(tenantID, id)]))
		}
	}
	return out, nil
}

func (m *memRoles) Update(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.roles[memKey(role.TenantID, role.ID)]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != role.Version {
		return ErrConflict
	}
	role.Version++
	next := copyRole(role)
	m.roles[memKey(role.TenantID, role.ID)] = &next
	return nil
}

func (m *memRoles) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[memKey(tenantID, id)]
	if !ok {
		return ErrNotFound
	}
	delete(m.roles, memKey(tenantID, id))
	delete(m.roleKeys, memKey(tenantID, r.Key))
	return nil
}

func (m *memRoles) List(ctx context.Context, tenantID string, f RoleFilter) (Page[Role], error) {
	m.mu.RLock()
	var items []Role
	for _, r := range m.roles {
		if r.TenantID != tenantID {
			continue
		}
		if f.RiskLevel != nil && r.RiskLevel != *f.RiskLevel {
			continue
		}
		if f.IsSystem != nil && r.IsSystem != *f.IsSystem {
			continue
		}
		items = append(items, copyRole(r))
	}
	m.mu.RUnlock()
	return paginate(items, func(r Role) string { return r.Key }, f.Limit, f.Cursor), nil
}

func (m *memRoles) ListByPolicyKey(ctx context.Context, tenantID, policyKey string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Role
	for _, r := range m.roles {
		if r.TenantID != tenantID {
			continue
		}
		for _, p := range r.Policies {
			if p == policyKey {
				out = append(out, copyRole(r))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// --- policies ---

type memPolicies InMemory

func copyPolicy(p *Policy) Policy {
	out := *p
	out.Allow = append([]string(nil), p.Allow...)
	out.Deny = append([]string(nil), p.Deny...)
	if p.Conditions != nil {
		cond := *p.Conditions
		cond.AllowedDeviceTypes = append([]string(nil), p.Conditions.AllowedDeviceTypes...)
		cond.IPAllowlist = append([]string(nil), p.Conditions.IPAllowlist...)
		out.Conditions = &cond
	}
	return out
}

func (m *memPolicies) Create(ctx context.Context, policy *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.policyKeys[memKey(policy.TenantID, policy.Key)]; exists {
		return ErrConflict
	}
	stored := copyPolicy(policy)
	m.policies[memKey(policy.TenantID, policy.ID)] = &stored
	m.policyKeys[memKey(policy.TenantID, policy.Key)] = policy.ID
	return nil
}

func (m *memPolicies) GetByID(ctx context.Context, tenantID, id string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[memKey(tenantID, id)]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return copyPolicy(p), nil
}

func (m *memPolicies) GetByKey(ctx context.Context, tenantID, key string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.policyKeys[memKey(tenantID, key)]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return copyPolicy(m.policies[memKey(tenantID, id)]), nil
}

func (m *memPolicies) GetByKeys(ctx context.Context, tenantID string, keys []string) ([]Policy, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, key := range keys {
		if id, ok := m.policyKeys[memKey(tenantID, key)]; ok {
			out = append(out, copyPolicy(m.policies[memKey(tenantID, id)]))
		}
	}
	return out, nil
}

func (m *memPolicies) Update(ctx context.Context, policy *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.policies[memKey(policy.TenantID, policy.ID)]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != policy.Version {
		return ErrConflict
	}
	policy.Version++
	next := copyPolicy(policy)
	m.policies[memKey(policy.TenantID, policy.ID)] = &next
	return nil
}

func (m *memPolicies) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[memKey(tenantID, id)]
	if !ok {
		return ErrNotFound
	}
	delete(m.policies, memKey(tenantID, id))
	delete(m.policyKeys, memKey(tenantID, p.Key))
	return nil
}

func (m *memPolicies) List(ctx context.Context, tenantID string, f PolicyFilter) (Page[Policy], error) {
	m.mu.RLock()
	var items []Policy
	for _, p := range m.policies {
		if p.TenantID != tenantID {
			continue
		}
		if f.RiskLevel != nil && p.RiskLevel != *f.RiskLevel {
			continue
		}
		if f.IsSystem != nil && p.IsSystem != *f.IsSystem {
			continue
		}
		items = append(items, copyPolicy(p))
	}
	m.mu.RUnlock()
	return paginate(items, func(p Policy) string { return p.Key }, f.Limit, f.Cursor), nil
}

// --- assignments ---

type memAssignments InMemory

func copyAssignment(a *RoleAssignment) RoleAssignment {
	out := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func activeTriple(a *RoleAssignment) string {
	return strings.Join([]string{a.TenantID, a.UserID, a.RoleKey, a.Scope}, "|")
}

func (m *memAssignments) Create(ctx context.Context, a *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Status == StatusActive {
		for _, existing := range m.assignments {
			if existing.Status == StatusActive && activeTriple(existing) == activeTriple(a) {
				return ErrConflict
			}
		}
	}
	stored := copyAssignment(a)
	m.assignments[memKey(a.TenantID, a.ID)] = &stored
	return nil
}

func (m *memAssignments) GetByID(ctx context.Context, tenantID, id string) (RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[memKey(tenantID, id)]
	if !ok {
		return RoleAssignment{}, ErrNotFound
	}
	return copyAssignment(a), nil
}

func (m *memAssignments) Update(ctx context.Context, a *RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.assignments[memKey(a.TenantID, a.ID)]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != a.Version {
		return ErrConflict
	}
	a.Version++
	next := copyAssignment(a)
	m.assignments[memKey(a.TenantID, a.ID)] = &next
	return nil
}

func (m *memAssignments) ListByUser(ctx context.Context, tenantID, userID string) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAssignments) List(ctx context.Context, tenantID string, f AssignmentFilter) (Page[RoleAssignment], error) {
	m.mu.RLock()
	var items []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID != tenantID {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.RoleKey != "" && a.RoleKey != f.RoleKey {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		items = append(items, copyAssignment(a))
	}
	m.mu.RUnlock()
	return paginate(items, func(a RoleAssignment) string { return a.ID }, f.Limit, f.Cursor), nil
}

func (m *memAssignments) FindActive(ctx context.Context, tenantID, userID, roleKey, scope string) (RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.RoleKey == roleKey && a.Scope == scope && a.Status == StatusActive {
			return copyAssignment(a), nil
		}
	}
	return RoleAssignment{}, ErrNotFound
}

func (m *memAssignments) ListActiveByRoleKey(ctx context.Context, tenantID, roleKey string) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.RoleKey == roleKey && a.Status == StatusActive {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAssignments) ListExpired(ctx context.Context, tenantID string, cutoff time.Time) ([]RoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.Status == StatusActive && a.ExpiresAt != nil && a.ExpiresAt.Before(cutoff) {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
