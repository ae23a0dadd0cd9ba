package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubiknyc/supersitehero/internal/platform/db"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

const pgUniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for the authorization
// data model.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPermission fetches a catalog entry by code.
func (r *Repository) GetPermission(ctx context.Context, code string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		SELECT code, name, category, subcategory, is_dangerous, requires_project_scope
		FROM permissions WHERE code = $1`, code).
		Scan(&p.Code, &p.Name, &p.Category, &p.Subcategory, &p.IsDangerous, &p.RequiresProjectScope)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// ListPermissions returns the full catalog ordered by code.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, name, category, subcategory, is_dangerous, requires_project_scope
		FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Code, &p.Name, &p.Category, &p.Subcategory, &p.IsDangerous, &p.RequiresProjectScope); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GetUser returns the directory entry the engine needs for resolution.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, default_role, is_active FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.TenantID, &u.DefaultRole, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// CreateCustomRole inserts a tenant-scoped role.
func (r *Repository) CreateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO custom_roles (id, tenant_id, code, name, color, is_active, can_be_deleted, inherits_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		role.ID, role.TenantID, role.Code, role.Name, role.Color, role.IsActive, role.CanBeDeleted, role.InheritsFrom).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return CustomRole{}, fmt.Errorf("%w: custom role %q", shared.ErrDuplicate, role.Code)
		}
		return CustomRole{}, err
	}
	return role, nil
}

// GetCustomRole fetches a custom role by ID.
func (r *Repository) GetCustomRole(ctx context.Context, id uuid.UUID) (CustomRole, error) {
	var role CustomRole
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code, name, color, is_active, can_be_deleted, inherits_from, created_at, updated_at
		FROM custom_roles WHERE id = $1`, id).
		Scan(&role.ID, &role.TenantID, &role.Code, &role.Name, &role.Color,
			&role.IsActive, &role.CanBeDeleted, &role.InheritsFrom, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CustomRole{}, shared.ErrNotFound
		}
		return CustomRole{}, err
	}
	return role, nil
}

// ListCustomRoles returns a tenant's roles ordered by code.
func (r *Repository) ListCustomRoles(ctx context.Context, tenantID uuid.UUID) ([]CustomRole, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, code, name, color, is_active, can_be_deleted, inherits_from, created_at, updated_at
		FROM custom_roles WHERE tenant_id = $1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []CustomRole
	for rows.Next() {
		var role CustomRole
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Code, &role.Name, &role.Color,
			&role.IsActive, &role.CanBeDeleted, &role.InheritsFrom, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateCustomRole renames a role and updates its color.
func (r *Repository) UpdateCustomRole(ctx context.Context, id uuid.UUID, name, color string) (CustomRole, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE custom_roles SET name = $2, color = $3, updated_at = NOW() WHERE id = $1`, id, name, color)
	if err != nil {
		return CustomRole{}, err
	}
	if tag.RowsAffected() == 0 {
		return CustomRole{}, shared.ErrNotFound
	}
	return r.GetCustomRole(ctx, id)
}

// SetCustomRoleActive toggles soft deactivation.
func (r *Repository) SetCustomRoleActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE custom_roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteCustomRoleCascade removes a role together with its grants and
// assignments inside one transaction.
func (r *Repository) DeleteCustomRoleCascade(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permission_grants WHERE custom_role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM custom_role_assignments WHERE custom_role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM custom_roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		return nil
	})
}

// SetGrant records a granted row for the role reference. Absence of a row is
// the only stored representation of "not granted", so granted=false callers
// use RemoveGrant instead.
func (r *Repository) SetGrant(ctx context.Context, ref RoleRef, code string) error {
	if id, ok := ref.CustomRoleID(); ok {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO role_permission_grants (custom_role_id, permission_code)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, code)
		return err
	}
	role, _ := ref.DefaultRole()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_permission_grants (default_role, permission_code)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, role, code)
	return err
}

// RemoveGrant deletes the granted row for the role reference.
func (r *Repository) RemoveGrant(ctx context.Context, ref RoleRef, code string) error {
	if id, ok := ref.CustomRoleID(); ok {
		_, err := r.pool.Exec(ctx, `
			DELETE FROM role_permission_grants WHERE custom_role_id = $1 AND permission_code = $2`, id, code)
		return err
	}
	role, _ := ref.DefaultRole()
	_, err := r.pool.Exec(ctx, `
		DELETE FROM role_permission_grants WHERE default_role = $1 AND permission_code = $2`, role, code)
	return err
}

// RoleGrantCodes returns the permission codes granted to a custom role.
func (r *Repository) RoleGrantCodes(ctx context.Context, customRoleID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT permission_code FROM role_permission_grants
		WHERE custom_role_id = $1 ORDER BY permission_code`, customRoleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// UpsertOverride writes an override, replacing any existing row for the same
// (user, permission, project) key so the uniqueness invariant cannot be
// violated by concurrent admins.
func (r *Repository) UpsertOverride(ctx context.Context, o UserOverride) (UserOverride, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO user_permission_overrides
			(id, user_id, permission_code, project_id, action, expires_at, reason, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, permission_code, COALESCE(project_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET action = EXCLUDED.action, expires_at = EXCLUDED.expires_at,
			reason = EXCLUDED.reason, granted_by = EXCLUDED.granted_by, created_at = NOW()
		RETURNING id, created_at`,
		o.ID, o.UserID, o.PermissionCode, o.ProjectID, o.Action, o.ExpiresAt, o.Reason, o.GrantedBy).
		Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return UserOverride{}, err
	}
	return o, nil
}

// DeleteOverride removes the override row for the exact key.
func (r *Repository) DeleteOverride(ctx context.Context, userID uuid.UUID, code string, projectID *uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_permission_overrides
		WHERE user_id = $1 AND permission_code = $2
		AND COALESCE(project_id, '00000000-0000-0000-0000-000000000000'::uuid) =
			COALESCE($3, '00000000-0000-0000-0000-000000000000'::uuid)`,
		userID, code, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListActiveOverrides returns the unexpired overrides for one permission.
// Expiry is evaluated against the caller's clock, not by deleting rows.
func (r *Repository) ListActiveOverrides(ctx context.Context, userID uuid.UUID, code string, now time.Time) ([]UserOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, permission_code, project_id, action, expires_at, reason, granted_by, created_at
		FROM user_permission_overrides
		WHERE user_id = $1 AND permission_code = $2
		AND (expires_at IS NULL OR expires_at > $3)`, userID, code, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

// ListOverridesForUser returns all the user's unexpired overrides.
func (r *Repository) ListOverridesForUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]UserOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, permission_code, project_id, action, expires_at, reason, granted_by, created_at
		FROM user_permission_overrides
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOverrides(rows)
}

func scanOverrides(rows pgx.Rows) ([]UserOverride, error) {
	var overrides []UserOverride
	for rows.Next() {
		var o UserOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionCode, &o.ProjectID,
			&o.Action, &o.ExpiresAt, &o.Reason, &o.GrantedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// InsertAssignment associates a user with a custom role.
func (r *Repository) InsertAssignment(ctx context.Context, a CustomRoleAssignment) (CustomRoleAssignment, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO custom_role_assignments (id, user_id, custom_role_id, project_id, assigned_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.UserID, a.CustomRoleID, a.ProjectID, a.AssignedBy).
		Scan(&a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return CustomRoleAssignment{}, fmt.Errorf("%w: assignment exists", shared.ErrDuplicate)
		}
		return CustomRoleAssignment{}, err
	}
	return a, nil
}

// DeleteAssignment removes an association for the exact key.
func (r *Repository) DeleteAssignment(ctx context.Context, userID, customRoleID uuid.UUID, projectID *uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM custom_role_assignments
		WHERE user_id = $1 AND custom_role_id = $2
		AND COALESCE(project_id, '00000000-0000-0000-0000-000000000000'::uuid) =
			COALESCE($3, '00000000-0000-0000-0000-000000000000'::uuid)`,
		userID, customRoleID, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListAssignmentsForUser returns the user's assignments to active custom
// roles. Deactivated roles drop out of resolution here.
func (r *Repository) ListAssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]CustomRoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.user_id, a.custom_role_id, a.project_id, a.assigned_by, a.created_at
		FROM custom_role_assignments a
		JOIN custom_roles cr ON cr.id = a.custom_role_id
		WHERE a.user_id = $1 AND cr.is_active`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []CustomRoleAssignment
	for rows.Next() {
		var a CustomRoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.CustomRoleID, &a.ProjectID, &a.AssignedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
