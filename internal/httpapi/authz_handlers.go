package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"tenauth.org/internal/audit"
	"tenauth.org/internal/authz"
	"tenauth.org/internal/obs"
	"tenauth.org/internal/token"
)

type updateRoleRequest struct {
	DisplayName *string          `json:"display_name"`
	Description *string          `json:"description"`
	Policies    []string         `json:"policies"`
	Tags        []string         `json:"tags"`
	RiskLevel   *authz.RiskLevel `json:"risk_level"`
}

type updatePolicyRequest struct {
	DisplayName *string                 `json:"display_name"`
	Description *string                 `json:"description"`
	Allow       []string                `json:"allow"`
	Deny        []string                `json:"deny"`
	Conditions  *authz.PolicyConditions `json:"conditions"`
	RiskLevel   *authz.RiskLevel        `json:"risk_level"`
}

// actorFrom resolves the caller identity: the authenticated principal when
// present, an anonymous user otherwise.
func actorFrom(r *http.Request) authz.Actor {
	if actor, ok := token.ActorFromContext(r.Context()); ok {
		return actor
	}
	return authz.Actor{Type: "user"}
}

// --- roles ---

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	var req authz.NewRole
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), tenantID, req, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.role.create", "role", role.ID, map[string]string{"key": role.Key})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/roles/%s", tenantID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.GetRoleByID(r.Context(), r.PathValue("tenantID"), r.PathValue("id"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) getRoleByKey(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.GetRoleByKey(r.Context(), r.PathValue("tenantID"), r.PathValue("key"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := authz.RolePatch{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Policies:    req.Policies,
		Tags:        req.Tags,
		RiskLevel:   req.RiskLevel,
	}
	role, err := a.svc.UpdateRole(r.Context(), r.PathValue("tenantID"), r.PathValue("id"), patch, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.role.update", "role", role.ID, map[string]string{"key": role.Key})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.DeleteRole(r.Context(), r.PathValue("tenantID"), id, actorFrom(r)); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.role.delete", "role", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	f := authz.RoleFilter{Limit: queryInt(r, "limit"), Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("risk_level"); v != "" {
		rl := authz.RiskLevel(v)
		f.RiskLevel = &rl
	}
	if v := r.URL.Query().Get("is_system"); v != "" {
		b := v == "true"
		f.IsSystem = &b
	}
	page, err := a.svc.ListRoles(r.Context(), r.PathValue("tenantID"), f)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- policies ---

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	var req authz.NewPolicy
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := a.svc.CreatePolicy(r.Context(), tenantID, req, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.policy.create", "policy", policy.ID, map[string]string{"key": policy.Key})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/policies/%s", tenantID, policy.ID))
	writeJSON(w, http.StatusCreated, policy)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := a.svc.GetPolicyByID(r.Context(), r.PathValue("tenantID"), r.PathValue("id"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) getPolicyByKey(w http.ResponseWriter, r *http.Request) {
	policy, err := a.svc.GetPolicyByKey(r.Context(), r.PathValue("tenantID"), r.PathValue("key"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req updatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := authz.PolicyPatch{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Allow:       req.Allow,
		Deny:        req.Deny,
		Conditions:  req.Conditions,
		RiskLevel:   req.RiskLevel,
	}
	policy, err := a.svc.UpdatePolicy(r.Context(), r.PathValue("tenantID"), r.PathValue("id"), patch, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.policy.update", "policy", policy.ID, map[string]string{"key": policy.Key})
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) deletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.DeletePolicy(r.Context(), r.PathValue("tenantID"), id, actorFrom(r)); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.policy.delete", "policy", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	f := authz.PolicyFilter{Limit: queryInt(r, "limit"), Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("risk_level"); v != "" {
		rl := authz.RiskLevel(v)
		f.RiskLevel = &rl
	}
	if v := r.URL.Query().Get("is_system"); v != "" {
		b := v == "true"
		f.IsSystem = &b
	}
	page, err := a.svc.ListPolicies(r.Context(), r.PathValue("tenantID"), f)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// --- assignments ---

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	var req authz.NewAssignment
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.svc.AssignRole(r.Context(), tenantID, req, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.assignment.create", "assignment", assignment.ID, map[string]string{
		"user_id":  assignment.UserID,
		"role_key": assignment.RoleKey,
		"scope":    assignment.Scope,
	})
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := a.svc.RevokeAssignment(r.Context(), r.PathValue("tenantID"), r.PathValue("id"), actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "authz.assignment.revoke", "assignment", assignment.ID, map[string]string{
		"user_id":  assignment.UserID,
		"role_key": assignment.RoleKey,
	})
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) listAssignments(w http.ResponseWriter, r *http.Request) {
	f := authz.AssignmentFilter{
		UserID:  r.URL.Query().Get("user_id"),
		RoleKey: r.URL.Query().Get("role_key"),
		Limit:   queryInt(r, "limit"),
		Cursor:  r.URL.Query().Get("cursor"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := authz.AssignmentStatus(v)
		f.Status = &st
	}
	page, err := a.svc.ListAssignments(r.Context(), r.PathValue("tenantID"), f)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) getUserAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.GetUserAssignments(r.Context(), r.PathValue("tenantID"), r.PathValue("userID"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) getEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.GetEffectivePermissions(r.Context(), r.PathValue("tenantID"), r.PathValue("userID"), r.URL.Query().Get("scope"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) expireAssignments(w http.ResponseWriter, r *http.Request) {
	count, err := a.svc.ExpireOldAssignments(r.Context(), r.PathValue("tenantID"))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	obs.AssignmentsExpired(count)
	a.audit(r.Context(), "authz.assignment.expire_sweep", "tenant", r.PathValue("tenantID"), map[string]string{
		"expired": strconv.Itoa(count),
	})
	writeJSON(w, http.StatusOK, map[string]any{"expired": count})
}

// --- evaluation ---

func (a *API) evaluate(w http.ResponseWriter, r *http.Request) {
	var req authz.EvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	decision, err := a.svc.EvaluatePermission(r.Context(), r.PathValue("tenantID"), req, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	obs.ObserveEvaluation(decision.Allowed, time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) evaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req authz.BatchEvalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start := time.Now()
	result, err := a.svc.EvaluateBatch(r.Context(), r.PathValue("tenantID"), req, actorFrom(r))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	elapsed := time.Since(start).Seconds()
	for _, d := range result.Results {
		obs.ObserveEvaluation(d.Allowed, elapsed/float64(len(result.Results)))
	}
	writeJSON(w, http.StatusOK, result)
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event, entity, id string, extra map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range extra {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, authz.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization operation failed")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
