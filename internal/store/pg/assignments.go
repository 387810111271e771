package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tenauth.org/internal/authz"
)

type pgAssignments struct {
	db *sql.DB
}

const assignmentColumns = `id, tenant_id, user_id, role_key, scope, status, expires_at, granted_by, granted_at, reason, version, created_at, updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (authz.RoleAssignment, error) {
	var (
		a       authz.RoleAssignment
		expires sql.NullTime
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleKey, &a.Scope, &a.Status, &expires, &a.GrantedBy, &a.GrantedAt, &a.Reason, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return authz.RoleAssignment{}, err
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return a, nil
}

func (p *pgAssignments) Create(ctx context.Context, a *authz.RoleAssignment) error {
	_, err := p.db.ExecContext(ctx, `
		insert into role_assignments (id, tenant_id, user_id, role_key, scope, status, expires_at, granted_by, granted_at, reason, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.TenantID, a.UserID, a.RoleKey, a.Scope, a.Status, a.ExpiresAt, a.GrantedBy, a.GrantedAt, a.Reason, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.ErrConflict
		}
		return err
	}
	return nil
}

func (p *pgAssignments) GetByID(ctx context.Context, tenantID, id string) (authz.RoleAssignment, error) {
	row := p.db.QueryRowContext(ctx, `select `+assignmentColumns+` from role_assignments where tenant_id = $1 and id = $2`, tenantID, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.RoleAssignment{}, authz.ErrNotFound
	}
	return a, err
}

func (p *pgAssignments) Update(ctx context.Context, a *authz.RoleAssignment) error {
	err := p.db.QueryRowContext(ctx, `
		update role_assignments
		set status = $1, expires_at = $2, reason = $3, version = version + 1, updated_at = $4
		where tenant_id = $5 and id = $6 and version = $7
		returning version
	`, a.Status, a.ExpiresAt, a.Reason, a.UpdatedAt, a.TenantID, a.ID, a.Version).Scan(&a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return disambiguate(ctx, p.db, "role_assignments", a.TenantID, a.ID)
	}
	return err
}

func (p *pgAssignments) ListByUser(ctx context.Context, tenantID, userID string) ([]authz.RoleAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where tenant_id = $1 and user_id = $2
		order by id
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (p *pgAssignments) List(ctx context.Context, tenantID string, f authz.AssignmentFilter) (authz.Page[authz.RoleAssignment], error) {
	limit := clampLimit(f.Limit)
	args := []any{tenantID}
	where := []string{"tenant_id = $1"}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.RoleKey != "" {
		args = append(args, f.RoleKey)
		where = append(where, fmt.Sprintf("role_key = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if after := decodeCursor(f.Cursor); after != "" {
		args = append(args, after)
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}
	args = append(args, limit+1)
	query := `select ` + assignmentColumns + ` from role_assignments where ` + strings.Join(where, " and ") +
		fmt.Sprintf(` order by id limit $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return authz.Page[authz.RoleAssignment]{}, err
	}
	defer rows.Close()

	items, err := collectAssignments(rows)
	if err != nil {
		return authz.Page[authz.RoleAssignment]{}, err
	}

	page := authz.Page[authz.RoleAssignment]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextCursor = encodeCursor(page.Items[limit-1].ID)
	}
	return page, nil
}

func (p *pgAssignments) FindActive(ctx context.Context, tenantID, userID, roleKey, scope string) (authz.RoleAssignment, error) {
	row := p.db.QueryRowContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where tenant_id = $1 and user_id = $2 and role_key = $3 and scope = $4 and status = 'active'
	`, tenantID, userID, roleKey, scope)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.RoleAssignment{}, authz.ErrNotFound
	}
	return a, err
}

func (p *pgAssignments) ListActiveByRoleKey(ctx context.Context, tenantID, roleKey string) ([]authz.RoleAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where tenant_id = $1 and role_key = $2 and status = 'active'
		order by id
	`, tenantID, roleKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func (p *pgAssignments) ListExpired(ctx context.Context, tenantID string, cutoff time.Time) ([]authz.RoleAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		select `+assignmentColumns+` from role_assignments
		where tenant_id = $1 and status = 'active' and expires_at is not null and expires_at < $2
		order by id
	`, tenantID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows *sql.Rows) ([]authz.RoleAssignment, error) {
	var out []authz.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
