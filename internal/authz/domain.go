package authz

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

// DefaultRole is one of the fixed, compiled-in roles every user holds.
type DefaultRole string

const (
	RoleOwner          DefaultRole = "owner"
	RoleAdmin          DefaultRole = "admin"
	RoleProjectManager DefaultRole = "project_manager"
	RoleSuperintendent DefaultRole = "superintendent"
	RoleForeman        DefaultRole = "foreman"
	RoleWorker         DefaultRole = "worker"
)

// DefaultRoles lists every compiled-in role.
var DefaultRoles = []DefaultRole{
	RoleOwner,
	RoleAdmin,
	RoleProjectManager,
	RoleSuperintendent,
	RoleForeman,
	RoleWorker,
}

// Valid reports whether the value is a known default role.
func (r DefaultRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleProjectManager, RoleSuperintendent, RoleForeman, RoleWorker:
		return true
	}
	return false
}

// Permission is an immutable catalog entry describing an atomic capability.
type Permission struct {
	Code                 string
	Name                 string
	Category             string
	Subcategory          string
	IsDangerous          bool
	RequiresProjectScope bool
}

// RoleRef points at either a default role or a custom role, never both.
// The exclusivity is enforced by the constructors; the zero value is invalid.
type RoleRef struct {
	defaultRole  DefaultRole
	customRoleID uuid.UUID
}

// DefaultRoleRef builds a reference to a compiled-in role.
func DefaultRoleRef(role DefaultRole) (RoleRef, error) {
	if !role.Valid() {
		return RoleRef{}, fmt.Errorf("%w: unknown default role %q", shared.ErrValidation, role)
	}
	return RoleRef{defaultRole: role}, nil
}

// CustomRoleRef builds a reference to a tenant-defined role.
func CustomRoleRef(id uuid.UUID) (RoleRef, error) {
	if id == uuid.Nil {
		return RoleRef{}, fmt.Errorf("%w: custom role id required", shared.ErrValidation)
	}
	return RoleRef{customRoleID: id}, nil
}

// IsDefault reports whether the reference targets a default role.
func (r RoleRef) IsDefault() bool {
	return r.defaultRole != ""
}

// DefaultRole returns the default-role tag when set.
func (r RoleRef) DefaultRole() (DefaultRole, bool) {
	return r.defaultRole, r.defaultRole != ""
}

// CustomRoleID returns the custom-role identifier when set.
func (r RoleRef) CustomRoleID() (uuid.UUID, bool) {
	return r.customRoleID, r.customRoleID != uuid.Nil
}

// String renders the reference for logs and audit records.
func (r RoleRef) String() string {
	if r.defaultRole != "" {
		return "default:" + string(r.defaultRole)
	}
	if r.customRoleID != uuid.Nil {
		return "custom:" + r.customRoleID.String()
	}
	return "invalid"
}

// User is the slice of the user directory the engine needs: the tenant the
// user belongs to and the default role they hold.
type User struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	DefaultRole DefaultRole
	IsActive    bool
}

// CustomRole is a tenant-scoped role with its own grant set.
type CustomRole struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Code         string
	Name         string
	Color        string
	IsActive     bool
	CanBeDeleted bool
	// InheritsFrom is informational only; it does not cascade at
	// evaluation time.
	InheritsFrom *DefaultRole
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OverrideAction determines whether an override grants or revokes.
type OverrideAction string

const (
	OverrideGrant  OverrideAction = "grant"
	OverrideRevoke OverrideAction = "revoke"
)

// Valid reports whether the action is one of grant/revoke.
func (a OverrideAction) Valid() bool {
	return a == OverrideGrant || a == OverrideRevoke
}

// UserOverride is a per-user, optionally per-project, time-bounded exception
// that wins over any role-based answer. Expired rows are kept for audit and
// filtered at query time.
type UserOverride struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	PermissionCode string
	ProjectID      *uuid.UUID
	Action         OverrideAction
	ExpiresAt      *time.Time
	Reason         string
	GrantedBy      uuid.UUID
	CreatedAt      time.Time
}

// Active reports whether the override is in effect at the given instant.
func (o UserOverride) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// AppliesTo reports whether the override covers a check against the given
// project scope. A global override covers every project.
func (o UserOverride) AppliesTo(projectID *uuid.UUID) bool {
	if o.ProjectID == nil {
		return true
	}
	return projectID != nil && *o.ProjectID == *projectID
}

// CustomRoleAssignment associates a user with a custom role, optionally
// narrowed to a single project. A user may hold many.
type CustomRoleAssignment struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	CustomRoleID uuid.UUID
	ProjectID    *uuid.UUID
	AssignedBy   uuid.UUID
	CreatedAt    time.Time
}

// AppliesTo reports whether the assignment is in scope for the given project.
func (a CustomRoleAssignment) AppliesTo(projectID *uuid.UUID) bool {
	if a.ProjectID == nil {
		return true
	}
	return projectID != nil && *a.ProjectID == *projectID
}

// Source identifies which layer decided a permission.
type Source string

const (
	SourceOverride    Source = "override"
	SourceCustomRole  Source = "custom_role"
	SourceDefaultRole Source = "default_role"
	SourceNone        Source = "none"
)

// EffectivePermission is one row of a bulk permission listing.
type EffectivePermission struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Granted  bool   `json:"granted"`
	Source   Source `json:"source"`
}
