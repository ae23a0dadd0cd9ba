package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/audit"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

// RepositoryPort describes the writes and reads Service needs.
type RepositoryPort interface {
	GetPermission(ctx context.Context, code string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	CreateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error)
	GetCustomRole(ctx context.Context, id uuid.UUID) (CustomRole, error)
	ListCustomRoles(ctx context.Context, tenantID uuid.UUID) ([]CustomRole, error)
	UpdateCustomRole(ctx context.Context, id uuid.UUID, name, color string) (CustomRole, error)
	SetCustomRoleActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteCustomRoleCascade(ctx context.Context, id uuid.UUID) error
	SetGrant(ctx context.Context, ref RoleRef, code string) error
	RemoveGrant(ctx context.Context, ref RoleRef, code string) error
	UpsertOverride(ctx context.Context, o UserOverride) (UserOverride, error)
	DeleteOverride(ctx context.Context, userID uuid.UUID, code string, projectID *uuid.UUID) error
	InsertAssignment(ctx context.Context, a CustomRoleAssignment) (CustomRoleAssignment, error)
	DeleteAssignment(ctx context.Context, userID, customRoleID uuid.UUID, projectID *uuid.UUID) error
}

// AuditPort records administrative mutations.
type AuditPort interface {
	Record(ctx context.Context, log audit.Log) error
}

// Invalidator drops cached grant sets after grant mutations.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service owns the administrative mutations of the authorization model.
// Every mutation is a single-row write except role deletion, which cascades
// inside one transaction. Callers are expected to have been authorized via
// the engine already (the HTTP layer closes that loop); the service still
// scopes every write to the actor's tenant, so a role or user belonging to
// another tenant resolves to ErrNotFound rather than being touched.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	invalidator Invalidator
}

// NewService constructs the administrative service. audit and invalidator
// may be nil.
func NewService(repo RepositoryPort, auditor AuditPort, invalidator Invalidator) *Service {
	return &Service{repo: repo, audit: auditor, invalidator: invalidator}
}

// CreateCustomRoleInput describes a new tenant role.
type CreateCustomRoleInput struct {
	TenantID     uuid.UUID
	Code         string
	Name         string
	Color        string
	InheritsFrom *DefaultRole
	ActorID      uuid.UUID
}

// CreateCustomRole inserts a tenant-scoped role. Roles created through the
// API are always deletable; only seeded roles set CanBeDeleted false.
func (s *Service) CreateCustomRole(ctx context.Context, input CreateCustomRoleInput) (CustomRole, error) {
	code := strings.TrimSpace(strings.ToLower(input.Code))
	name := strings.TrimSpace(input.Name)
	if code == "" || name == "" {
		return CustomRole{}, fmt.Errorf("%w: role code and name required", shared.ErrValidation)
	}
	if input.TenantID == uuid.Nil {
		return CustomRole{}, fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if input.InheritsFrom != nil && !input.InheritsFrom.Valid() {
		return CustomRole{}, fmt.Errorf("%w: unknown default role %q", shared.ErrValidation, *input.InheritsFrom)
	}
	role, err := s.repo.CreateCustomRole(ctx, CustomRole{
		ID:           uuid.New(),
		TenantID:     input.TenantID,
		Code:         code,
		Name:         name,
		Color:        strings.TrimSpace(input.Color),
		IsActive:     true,
		CanBeDeleted: true,
		InheritsFrom: input.InheritsFrom,
	})
	if err != nil {
		return CustomRole{}, err
	}
	s.record(ctx, input.ActorID, "role.create", "custom_role", role.ID.String(), map[string]any{"code": role.Code})
	return role, nil
}

// UpdateCustomRole renames a role or changes its color.
func (s *Service) UpdateCustomRole(ctx context.Context, actor shared.Actor, roleID uuid.UUID, name, color string) (CustomRole, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CustomRole{}, fmt.Errorf("%w: role name required", shared.ErrValidation)
	}
	if _, err := s.roleForTenant(ctx, actor.TenantID, roleID); err != nil {
		return CustomRole{}, err
	}
	role, err := s.repo.UpdateCustomRole(ctx, roleID, name, strings.TrimSpace(color))
	if err != nil {
		return CustomRole{}, err
	}
	s.record(ctx, actor.UserID, "role.update", "custom_role", roleID.String(), map[string]any{"name": name})
	return role, nil
}

// DeactivateCustomRole soft-disables a role; assignments are kept but stop
// contributing to resolution.
func (s *Service) DeactivateCustomRole(ctx context.Context, actor shared.Actor, roleID uuid.UUID) error {
	if _, err := s.roleForTenant(ctx, actor.TenantID, roleID); err != nil {
		return err
	}
	if err := s.repo.SetCustomRoleActive(ctx, roleID, false); err != nil {
		return err
	}
	s.record(ctx, actor.UserID, "role.deactivate", "custom_role", roleID.String(), nil)
	return nil
}

// DeleteCustomRole hard-deletes a role with its grants and assignments as
// one orchestrated operation. Seeded roles with CanBeDeleted false are
// protected.
func (s *Service) DeleteCustomRole(ctx context.Context, actor shared.Actor, roleID uuid.UUID) error {
	role, err := s.roleForTenant(ctx, actor.TenantID, roleID)
	if err != nil {
		return err
	}
	if !role.CanBeDeleted {
		return fmt.Errorf("%w: role %q cannot be deleted", shared.ErrUnauthorizedModification, role.Code)
	}
	if err := s.repo.DeleteCustomRoleCascade(ctx, roleID); err != nil {
		return err
	}
	s.bump(ctx)
	s.record(ctx, actor.UserID, "role.delete", "custom_role", roleID.String(), map[string]any{"code": role.Code})
	return nil
}

// SetGrant records or removes a grant for a custom role. Default-role grants
// are compiled-in policy and rejected unconditionally.
func (s *Service) SetGrant(ctx context.Context, actor shared.Actor, ref RoleRef, code string, granted bool) error {
	if ref.IsDefault() {
		return fmt.Errorf("%w: default-role grants are fixed policy", shared.ErrUnauthorizedModification)
	}
	roleID, ok := ref.CustomRoleID()
	if !ok {
		return fmt.Errorf("%w: role reference required", shared.ErrValidation)
	}
	if _, err := s.repo.GetPermission(ctx, code); err != nil {
		return fmt.Errorf("%w: unknown permission %q", shared.ErrValidation, code)
	}
	if _, err := s.roleForTenant(ctx, actor.TenantID, roleID); err != nil {
		return err
	}
	var err error
	if granted {
		err = s.repo.SetGrant(ctx, ref, code)
	} else {
		err = s.repo.RemoveGrant(ctx, ref, code)
	}
	if err != nil {
		return err
	}
	s.bump(ctx)
	s.record(ctx, actor.UserID, "grant.set", "custom_role", roleID.String(), map[string]any{"permission": code, "granted": granted})
	return nil
}

// OverrideInput describes a per-user exception. TenantID is the acting
// tenant; the target user must belong to it.
type OverrideInput struct {
	TenantID       uuid.UUID
	UserID         uuid.UUID
	PermissionCode string
	ProjectID      *uuid.UUID
	ExpiresAt      *time.Time
	Reason         string
	ActorID        uuid.UUID
}

// GrantOverride writes a grant-type override for the user, replacing any
// existing override for the same (user, permission, project) key.
func (s *Service) GrantOverride(ctx context.Context, input OverrideInput) (UserOverride, error) {
	return s.writeOverride(ctx, input, OverrideGrant)
}

// RevokeOverride writes a revoke-type override for the user.
func (s *Service) RevokeOverride(ctx context.Context, input OverrideInput) (UserOverride, error) {
	return s.writeOverride(ctx, input, OverrideRevoke)
}

func (s *Service) writeOverride(ctx context.Context, input OverrideInput, action OverrideAction) (UserOverride, error) {
	if input.UserID == uuid.Nil {
		return UserOverride{}, fmt.Errorf("%w: user required", shared.ErrValidation)
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(time.Now().UTC()) {
		return UserOverride{}, fmt.Errorf("%w: expiry must be in the future", shared.ErrValidation)
	}
	if _, err := s.repo.GetPermission(ctx, input.PermissionCode); err != nil {
		return UserOverride{}, fmt.Errorf("%w: unknown permission %q", shared.ErrValidation, input.PermissionCode)
	}
	if _, err := s.userForTenant(ctx, input.TenantID, input.UserID); err != nil {
		return UserOverride{}, err
	}
	override, err := s.repo.UpsertOverride(ctx, UserOverride{
		ID:             uuid.New(),
		UserID:         input.UserID,
		PermissionCode: input.PermissionCode,
		ProjectID:      input.ProjectID,
		Action:         action,
		ExpiresAt:      input.ExpiresAt,
		Reason:         strings.TrimSpace(input.Reason),
		GrantedBy:      input.ActorID,
	})
	if err != nil {
		return UserOverride{}, err
	}
	s.record(ctx, input.ActorID, "override."+string(action), "user_override", override.ID.String(), map[string]any{
		"user_id":    input.UserID.String(),
		"permission": input.PermissionCode,
	})
	return override, nil
}

// RemoveOverride deletes the override row entirely. Expired overrides do not
// need removal; the evaluator already ignores them.
func (s *Service) RemoveOverride(ctx context.Context, actor shared.Actor, userID uuid.UUID, code string, projectID *uuid.UUID) error {
	if _, err := s.userForTenant(ctx, actor.TenantID, userID); err != nil {
		return err
	}
	if err := s.repo.DeleteOverride(ctx, userID, code, projectID); err != nil {
		return err
	}
	s.record(ctx, actor.UserID, "override.remove", "user_override", userID.String(), map[string]any{"permission": code})
	return nil
}

// AssignCustomRole associates a user with a custom role, optionally scoped
// to a project. A user may hold several custom roles simultaneously. Both
// the role and the user must belong to the acting tenant, and the role must
// be active; assigning a deactivated role would record a row that never
// contributes to resolution.
func (s *Service) AssignCustomRole(ctx context.Context, actor shared.Actor, userID, roleID uuid.UUID, projectID *uuid.UUID) (CustomRoleAssignment, error) {
	role, err := s.roleForTenant(ctx, actor.TenantID, roleID)
	if err != nil {
		return CustomRoleAssignment{}, err
	}
	if !role.IsActive {
		return CustomRoleAssignment{}, fmt.Errorf("%w: role %q is deactivated", shared.ErrValidation, role.Code)
	}
	if _, err := s.userForTenant(ctx, actor.TenantID, userID); err != nil {
		return CustomRoleAssignment{}, err
	}
	assignment, err := s.repo.InsertAssignment(ctx, CustomRoleAssignment{
		ID:           uuid.New(),
		UserID:       userID,
		CustomRoleID: roleID,
		ProjectID:    projectID,
		AssignedBy:   actor.UserID,
	})
	if err != nil {
		return CustomRoleAssignment{}, err
	}
	s.record(ctx, actor.UserID, "assignment.create", "custom_role_assignment", assignment.ID.String(), map[string]any{
		"user_id": userID.String(),
		"role_id": roleID.String(),
	})
	return assignment, nil
}

// UnassignCustomRole removes an association.
func (s *Service) UnassignCustomRole(ctx context.Context, actor shared.Actor, userID, roleID uuid.UUID, projectID *uuid.UUID) error {
	if _, err := s.roleForTenant(ctx, actor.TenantID, roleID); err != nil {
		return err
	}
	if err := s.repo.DeleteAssignment(ctx, userID, roleID, projectID); err != nil {
		return err
	}
	s.record(ctx, actor.UserID, "assignment.remove", "custom_role_assignment", userID.String(), map[string]any{"role_id": roleID.String()})
	return nil
}

// GetCustomRole fetches a role for the admin surface.
func (s *Service) GetCustomRole(ctx context.Context, actor shared.Actor, id uuid.UUID) (CustomRole, error) {
	return s.roleForTenant(ctx, actor.TenantID, id)
}

// ListCustomRoles returns a tenant's roles.
func (s *Service) ListCustomRoles(ctx context.Context, tenantID uuid.UUID) ([]CustomRole, error) {
	return s.repo.ListCustomRoles(ctx, tenantID)
}

// ListCatalog returns the full permission catalog.
func (s *Service) ListCatalog(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// roleForTenant resolves a role and hides it from other tenants: a role
// owned elsewhere is reported as ErrNotFound, not as forbidden.
func (s *Service) roleForTenant(ctx context.Context, tenantID, roleID uuid.UUID) (CustomRole, error) {
	role, err := s.repo.GetCustomRole(ctx, roleID)
	if err != nil {
		return CustomRole{}, err
	}
	if role.TenantID != tenantID {
		return CustomRole{}, fmt.Errorf("%w: custom role %s", shared.ErrNotFound, roleID)
	}
	return role, nil
}

func (s *Service) userForTenant(ctx context.Context, tenantID, userID uuid.UUID) (User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.TenantID != tenantID {
		return User{}, fmt.Errorf("%w: user %s", shared.ErrNotFound, userID)
	}
	return user, nil
}

func (s *Service) bump(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	_ = s.invalidator.Bump(ctx)
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.Log{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
}
