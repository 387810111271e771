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

type pgRoles struct {
	db *sql.DB
}

const roleColumns = `id, tenant_id, key, display_name, description, policies, tags, risk_level, is_system, version, created_at, updated_at, created_by, updated_by`

func scanRole(row interface{ Scan(...any) error }) (authz.Role, error) {
	var (
		r        authz.Role
		policies []byte
		tags     []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Key, &r.DisplayName, &r.Description, &policies, &tags, &r.RiskLevel, &r.IsSystem, &r.Version, &r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy)
	if err != nil {
		return authz.Role{}, err
	}
	if len(policies) > 0 {
		if err := json.Unmarshal(policies, &r.Policies); err != nil {
			return authz.Role{}, fmt.Errorf("decode policies: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return authz.Role{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return r, nil
}

func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func (p *pgRoles) Create(ctx context.Context, role *authz.Role) error {
	policies, err := marshalStrings(role.Policies)
	if err != nil {
		return err
	}
	tags, err := marshalStrings(role.Tags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		insert into roles (id, tenant_id, key, display_name, description, policies, tags, risk_level, is_system, version, created_at, updated_at, created_by, updated_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, role.ID, role.TenantID, role.Key, role.DisplayName, role.Description, policies, tags, role.RiskLevel, role.IsSystem, role.Version, role.CreatedAt, role.UpdatedAt, role.CreatedBy, role.UpdatedBy)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrConflict
		}
		return err
	}
	return nil
}

func (p *pgRoles) GetByID(ctx context.Context, tenantID, id string) (authz.Role, error) {
	row := p.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where tenant_id = $1 and id = $2`, tenantID, id)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	return r, err
}

func (p *pgRoles) GetByKey(ctx context.Context, tenantID, key string) (authz.Role, error) {
	row := p.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where tenant_id = $1 and key = $2`, tenantID, key)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	return r, err
}

func (p *pgRoles) GetByKeys(ctx context.Context, tenantID string, keys []string) ([]authz.Role, error) {
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
	rows, err := p.db.QueryContext(ctx, `select `+roleColumns+` from roles where tenant_id = $1 and key in (`+strings.Join(placeholders, ", ")+`) order by key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *pgRoles) Update(ctx context.Context, role *authz.Role) error {
	policies, err := marshalStrings(role.Policies)
	if err != nil {
		return err
	}
	tags, err := marshalStrings(role.Tags)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		update roles
		set display_name = $1, description = $2, policies = $3, tags = $4, risk_level = $5,
		    version = version + 1, updated_at = $6, updated_by = $7
		where tenant_id = $8 and id = $9 and version = $10
		returning version
	`, role.DisplayName, role.Description, policies, tags, role.RiskLevel,
		role.UpdatedAt, role.UpdatedBy, role.TenantID, role.ID, role.Version).Scan(&role.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return disambiguate(ctx, p.db, "roles", role.TenantID, role.ID)
	}
	return err
}

func (p *pgRoles) Delete(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `delete from roles where tenant_id = $1 and id = $2`, tenantID, id)
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

func (p *pgRoles) List(ctx context.Context, tenantID string, f authz.RoleFilter) (authz.Page[authz.Role], error) {
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
	query := `select ` + roleColumns + ` from roles where ` + strings.Join(where, " and ") +
		fmt.Sprintf(` order by key limit $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return authz.Page[authz.Role]{}, err
	}
	defer rows.Close()

	var items []authz.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return authz.Page[authz.Role]{}, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return authz.Page[authz.Role]{}, err
	}

	page := authz.Page[authz.Role]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(page.Items[limit-1].Key)
	}
	return page, nil
}

func (p *pgRoles) ListByPolicyKey(ctx context.Context, tenantID, policyKey string) ([]authz.Role, error) {
	ref, err := json.Marshal([]string{policyKey})
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		select `+roleColumns+` from roles
		where tenant_id = $1 and policies @> $2::jsonb
		order by key
	`, tenantID, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
