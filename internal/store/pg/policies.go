package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tenauth.org/internal/authz"
)

type pgPolicies struct {
	db *sql.DB
}

const policyColumns = `id, tenant_id, key, display_name, description, allow, deny, conditions, risk_level, is_system, version, created_at, updated_at, created_by, updated_by`

func scanPolicy(row interface{ Scan(...any) error }) (authz.Policy, error) {
	var (
		p          authz.Policy
		allow      []byte
		deny       []byte
		conditions []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Key, &p.DisplayName, &p.Description, &allow, &deny, &conditions, &p.RiskLevel, &p.IsSystem, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy)
	if err != nil {
		return authz.Policy{}, err
	}
	if len(allow) > 0 {
		if err := json.Unmarshal(allow, &p.Allow); err != nil {
			return authz.Policy{}, fmt.Errorf("decode allow: %w", err)
		}
	}
	if len(deny) > 0 {
		if err := json.Unmarshal(deny, &p.Deny); err != nil {
			return authz.Policy{}, fmt.Errorf("decode deny: %w", err)
		}
	}
	if len(conditions) > 0 {
		p.Conditions = &authz.PolicyConditions{}
		if err := json.Unmarshal(conditions, p.Conditions); err != nil {
			return authz.Policy{}, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return p, nil
}

func marshalConditions(c *authz.PolicyConditions) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func (p *pgPolicies) Create(ctx context.Context, policy *authz.Policy) error {
	allow, err := marshalStrings(policy.Allow)
	if err != nil {
		return err
	}
	deny, err := marshalStrings(policy.Deny)
	if err != nil {
		return err
	}
	conditions, err := marshalConditions(policy.Conditions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		insert into policies (id, tenant_id, key, display_name, description, allow, deny, conditions, risk_level, is_system, version, created_at, updated_at, created_by, updated_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, policy.ID, policy.TenantID, policy.Key, policy.DisplayName, policy.Description, allow, deny, conditions, policy.RiskLevel, policy.IsSystem, policy.Version, policy.CreatedAt, policy.UpdatedAt, policy.CreatedBy, policy.UpdatedBy)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrConflict
		}
		return err
	}
	return nil
}

func (p *pgPolicies) GetByID(ctx context.Context, tenantID, id string) (authz.Policy, error) {
	row := p.db.QueryRowContext(ctx, `select `+policyColumns+` from policies where tenant_id = $1 and id = $2`, tenantID, id)
	out, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Policy{}, authz.ErrNotFound
	}
	return out, err
}

func (p *pgPolicies) GetByKey(ctx context.Context, tenantID, key string) (authz.Policy, error) {
	row := p.db.QueryRowContext(ctx, `select `+policyColumns+` from policies where tenant_id = $1 and key = $2`, tenantID, key)
	out, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Policy{}, authz.ErrNotFound
	}
	return out, err
}

func (p *pgPolicies) GetByKeys(ctx context.Context, tenantID string, keys []string) ([]authz.Policy, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	args = append(args, tenantID)
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, k)
	}
	rows, err := p.db.QueryContext(ctx, `select `+policyColumns+` from policies where tenant_id = $1 and key in (`+strings.Join(placeholders, ", ")+`) order by key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (p *pgPolicies) Update(ctx context.Context, policy *authz.Policy) error {
	allow, err := marshalStrings(policy.Allow)
	if err != nil {
		return err
	}
	deny, err := marshalStrings(policy.Deny)
	if err != nil {
		return err
	}
	conditions, err := marshalConditions(policy.Conditions)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		update policies
		set display_name = $1, description = $2, allow = $3, deny = $4, conditions = $5, risk_level = $6,
		    version = version + 1, updated_at = $7, updated_by = $8
		where tenant_id = $9 and id = $10 and version = $11
		returning version
	`, policy.DisplayName, policy.Description, allow, deny, conditions, policy.RiskLevel,
		policy.UpdatedAt, policy.UpdatedBy, policy.TenantID, policy.ID, policy.Version).Scan(&policy.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return disambiguate(ctx, p.db, "policies", policy.TenantID, policy.ID)
	}
	return err
}

func (p *pgPolicies) Delete(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `delete from policies where tenant_id = $1 and id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (p *pgPolicies) List(ctx context.Context, tenantID string, f authz.PolicyFilter) (authz.Page[authz.Policy], error) {
	limit := clampLimit(f.Limit)
	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	if f.RiskLevel != nil {
		args = append(args, *f.RiskLevel)
		where = append(where, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	if f.IsSystem != nil {
		args = append(args, *f.IsSystem)
		where = append(where, fmt.Sprintf("is_system = $%d", len(args)))
	}
	if after := decodeCursor(f.Cursor); after != "" {
		args = append(args, after)
		where = append(where, fmt.Sprintf("key > $%d", len(args)))
	}
	args = append(args, limit+1)
	query := `select ` + policyColumns + ` from policies where ` + strings.Join(where, " and ") +
		fmt.Sprintf(` order by key limit $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return authz.Page[authz.Policy]{}, err
	}
	defer rows.Close()

	var items []authz.Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return authz.Page[authz.Policy]{}, err
		}
		items = append(items, pol)
	}
	if err := rows.Err(); err != nil {
		return authz.Page[authz.Policy]{}, err
	}

	page := authz.Page[authz.Policy]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(page.Items[limit-1].Key)
	}
	return page, nil
}
