package authz

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authorization
// engine. Implementations are system-agnostic: isSystem enforcement and all
// cross-entity invariants live in the Service.
type Store interface {
	Roles(ctx context.Context) RoleStore
	Policies(ctx context.Context) PolicyStore
	Assignments(ctx context.Context) AssignmentStore
}

// RoleStore manages versioned role records per tenant.
//
// Update applies the write only when the stored version equals the version
// carried by the entity; on mismatch it returns ErrConflict and leaves the
// record untouched. A successful update increments the version by exactly 1
// and reflects it on the passed entity.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	GetByID(ctx context.Context, tenantID, id string) (Role, error)
	GetByKey(ctx context.Context, tenantID, key string) (Role, error)
	// GetByKeys tolerates empty input and returns an empty result without
	// touching the backend. Unknown keys are silently absent.
	GetByKeys(ctx context.Context, tenantID string, keys []string) ([]Role, error)
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, f RoleFilter) (Page[Role], error)
	// ListByPolicyKey returns roles whose policy list references the key.
	ListByPolicyKey(ctx context.Context, tenantID, policyKey string) ([]Role, error)
}

// PolicyStore manages versioned policy records per tenant. Versioning
// semantics match RoleStore.
type PolicyStore interface {
	Create(ctx context.Context, policy *Policy) error
	GetByID(ctx context.Context, tenantID, id string) (Policy, error)
	GetByKey(ctx context.Context, tenantID, key string) (Policy, error)
	GetByKeys(ctx context.Context, tenantID string, keys []string) ([]Policy, error)
	Update(ctx context.Context, policy *Policy) error
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID string, f PolicyFilter) (Page[Policy], error)
}

// AssignmentStore manages role assignments. Assignments are append-plus-
// status-transition records: there is no Delete.
type AssignmentStore interface {
	// Create persists a new assignment. Backends additionally enforce the
	// single-active-assignment invariant per (user, role key, scope) and
	// return ErrConflict on violation.
	Create(ctx context.Context, a *RoleAssignment) error
	GetByID(ctx context.Context, tenantID, id string) (RoleAssignment, error)
	// Update follows the same optimistic-version contract as RoleStore.
	Update(ctx context.Context, a *RoleAssignment) error
	ListByUser(ctx context.Context, tenantID, userID string) ([]RoleAssignment, error)
	List(ctx context.Context, tenantID string, f AssignmentFilter) (Page[RoleAssignment], error)
	// FindActive returns the active assignment for the triple, or ErrNotFound.
	FindActive(ctx context.Context, tenantID, userID, roleKey, scope string) (RoleAssignment, error)
	ListActiveByRoleKey(ctx context.Context, tenantID, roleKey string) ([]RoleAssignment, error)
	// ListExpired returns assignments still marked active whose expiry is
	// strictly before the cutoff.
	ListExpired(ctx context.Context, tenantID string, cutoff time.Time) ([]RoleAssignment, error)
}

// EventSink receives best-effort notifications of state changes and
// evaluations. Publish must not block and must not fail the caller.
type EventSink interface {
	Publish(evt Event)
}
