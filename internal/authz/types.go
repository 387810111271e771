package authz

import "time"

// RiskLevel classifies how dangerous a role or policy is when granted.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AssignmentStatus is the lifecycle state of a role assignment.
type AssignmentStatus string

const (
	StatusActive   AssignmentStatus = "active"
	StatusInactive AssignmentStatus = "inactive"
	StatusExpired  AssignmentStatus = "expired"
)

// Valid reports whether the status is one of the known values.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo validates the closed transition set: an active assignment
// may become inactive (revoked) or expired; nothing ever returns to active.
func (s AssignmentStatus) CanTransitionTo(next AssignmentStatus) bool {
	return s == StatusActive && (next == StatusInactive || next == StatusExpired)
}

// Role is a named bundle of policy references, assignable to users.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Policies    []string  `json:"policies"`
	Tags        []string  `json:"tags,omitempty"`
	RiskLevel   RiskLevel `json:"risk_level"`
	IsSystem    bool      `json:"is_system"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
}

// PolicyConditions carries optional contextual requirements attached to a
// policy. The engine stores and returns them; enforcement happens upstream.
type PolicyConditions struct {
	RequiresMFA        bool     `json:"requires_mfa,omitempty"`
	OnlyBusinessHours  bool     `json:"only_business_hours,omitempty"`
	AllowedDeviceTypes []string `json:"allowed_device_types,omitempty"`
	IPAllowlist        []string `json:"ip_allowlist,omitempty"`
	MaxSessionDuration int64    `json:"max_session_duration,omitempty"` // seconds
}

// Policy is a named bundle of allow/deny permission patterns.
type Policy struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Key         string            `json:"key"`
	DisplayName string            `json:"display_name"`
	Description string            `json:"description,omitempty"`
	Allow       []string          `json:"allow"`
	Deny        []string          `json:"deny,omitempty"`
	Conditions  *PolicyConditions `json:"conditions,omitempty"`
	RiskLevel   RiskLevel         `json:"risk_level"`
	IsSystem    bool              `json:"is_system"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	UpdatedBy   string            `json:"updated_by,omitempty"`
}

// RoleAssignment grants a role to a user within a scope. Assignments are
// never hard-deleted; lifecycle is tracked through Status.
type RoleAssignment struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	UserID    string           `json:"user_id"`
	RoleKey   string           `json:"role_key"`
	Scope     string           `json:"scope"`
	Status    AssignmentStatus `json:"status"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	GrantedBy string           `json:"granted_by,omitempty"`
	GrantedAt time.Time        `json:"granted_at"`
	Reason    string           `json:"reason,omitempty"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Actor identifies who performed an operation, for events and audit.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
	Type   string `json:"type"` // "user", "service" or "system"
}

// Decision is the outcome of a single permission evaluation. A denied
// decision is a normal result, not an error.
type Decision struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason"`
	MatchedPolicies []string `json:"matched_policies,omitempty"`
}

// EffectivePermission is one entry of the aggregated allow/deny view, keyed
// by the literal pattern string as written in the policies.
type EffectivePermission struct {
	Permission string            `json:"permission"`
	Allowed    bool              `json:"allowed"`
	Source     string            `json:"source"`
	Conditions *PolicyConditions `json:"conditions,omitempty"`
}

// BatchSummary totals a batch evaluation.
type BatchSummary struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// BatchResult maps each requested permission to its decision.
type BatchResult struct {
	Results map[string]Decision `json:"results"`
	Summary BatchSummary        `json:"summary"`
}

// Event is the fire-and-forget notification emitted after state changes and
// evaluations. Delivery semantics belong to the bus, not to this engine.
type Event struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Data       map[string]any `json:"data,omitempty"`
	Actor      Actor          `json:"actor"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewRole is the input for role creation.
type NewRole struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Policies    []string  `json:"policies"`
	Tags        []string  `json:"tags"`
	RiskLevel   RiskLevel `json:"risk_level"`
	IsSystem    bool      `json:"is_system"`
}

// RolePatch carries the mutable role fields; nil means "leave unchanged".
type RolePatch struct {
	DisplayName *string
	Description *string
	Policies    []string
	Tags        []string
	RiskLevel   *RiskLevel
}

// NewPolicy is the input for policy creation.
type NewPolicy struct {
	Key         string            `json:"key"`
	DisplayName string            `json:"display_name"`
	Description string            `json:"description"`
	Allow       []string          `json:"allow"`
	Deny        []string          `json:"deny"`
	Conditions  *PolicyConditions `json:"conditions"`
	RiskLevel   RiskLevel         `json:"risk_level"`
	IsSystem    bool              `json:"is_system"`
}

// PolicyPatch carries the mutable policy fields; nil means "leave unchanged".
type PolicyPatch struct {
	DisplayName *string
	Description *string
	Allow       []string
	Deny        []string
	Conditions  *PolicyConditions
	RiskLevel   *RiskLevel
}

// NewAssignment is the input for granting a role.
type NewAssignment struct {
	UserID    string     `json:"user_id"`
	RoleKey   string     `json:"role_key"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason"`
}

// EvalRequest asks whether a user holds one permission within a scope.
type EvalRequest struct {
	UserID        string `json:"user_id"`
	Permission    string `json:"permission"`
	ResourceScope string `json:"resource_scope"`
}

// BatchEvalRequest checks several permissions against one scope.
type BatchEvalRequest struct {
	UserID        string   `json:"user_id"`
	ResourceScope string   `json:"resource_scope"`
	Permissions   []string `json:"permissions"`
}

// Page is one slice of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// RoleFilter narrows role listings.
type RoleFilter struct {
	RiskLevel *RiskLevel
	IsSystem  *bool
	Limit     int
	Cursor    string
}

// PolicyFilter narrows policy listings.
type PolicyFilter struct {
	RiskLevel *RiskLevel
	IsSystem  *bool
	Limit     int
	Cursor    string
}

// AssignmentFilter narrows assignment listings.
type AssignmentFilter struct {
	UserID  string
	RoleKey string
	Status  *AssignmentStatus
	Limit   int
	Cursor  string
}
