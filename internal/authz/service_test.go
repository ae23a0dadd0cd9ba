package authz

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kubiknyc/supersitehero/internal/audit"
	"github.com/kubiknyc/supersitehero/internal/shared"
)

type memoryRepo struct {
	perms       map[string]Permission
	users       map[uuid.UUID]User
	roles       map[uuid.UUID]CustomRole
	grants      map[uuid.UUID]map[string]bool
	overrides   map[string]UserOverride
	assignments []CustomRoleAssignment
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		perms:     make(map[string]Permission),
		users:     make(map[uuid.UUID]User),
		roles:     make(map[uuid.UUID]CustomRole),
		grants:    make(map[uuid.UUID]map[string]bool),
		overrides: make(map[string]UserOverride),
	}
}

func (r *memoryRepo) addUser(tenantID uuid.UUID) uuid.UUID {
	id := uuid.New()
	r.users[id] = User{ID: id, TenantID: tenantID, DefaultRole: RoleWorker, IsActive: true}
	return id
}

func adminOf(tenantID uuid.UUID) shared.Actor {
	return shared.Actor{UserID: uuid.New(), TenantID: tenantID}
}

func overrideKey(userID uuid.UUID, code string, projectID *uuid.UUID) string {
	key := userID.String() + ":" + code
	if projectID != nil {
		key += ":" + projectID.String()
	}
	return key
}

func (r *memoryRepo) GetPermission(_ context.Context, code string) (Permission, error) {
	p, ok := r.perms[code]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListPermissions(_ context.Context) ([]Permission, error) {
	result := make([]Permission, 0, len(r.perms))
	for _, p := range r.perms {
		result = append(result, p)
	}
	return result, nil
}

func (r *memoryRepo) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	u, ok := r.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

func (r *memoryRepo) CreateCustomRole(_ context.Context, role CustomRole) (CustomRole, error) {
	for _, existing := range r.roles {
		if existing.TenantID == role.TenantID && existing.Code == role.Code {
			return CustomRole{}, shared.ErrDuplicate
		}
	}
	role.CreatedAt = time.Now().UTC()
	role.UpdatedAt = role.CreatedAt
	r.roles[role.ID] = role
	return role, nil
}

func (r *memoryRepo) GetCustomRole(_ context.Context, id uuid.UUID) (CustomRole, error) {
	role, ok := r.roles[id]
	if !ok {
		return CustomRole{}, shared.ErrNotFound
	}
	return role, nil
}

func (r *memoryRepo) ListCustomRoles(_ context.Context, tenantID uuid.UUID) ([]CustomRole, error) {
	var result []CustomRole
	for _, role := range r.roles {
		if role.TenantID == tenantID {
			result = append(result, role)
		}
	}
	return result, nil
}

func (r *memoryRepo) UpdateCustomRole(_ context.Context, id uuid.UUID, name, color string) (CustomRole, error) {
	role, ok := r.roles[id]
	if !ok {
		return CustomRole{}, shared.ErrNotFound
	}
	role.Name = name
	role.Color = color
	r.roles[id] = role
	return role, nil
}

func (r *memoryRepo) SetCustomRoleActive(_ context.Context, id uuid.UUID, active bool) error {
	role, ok := r.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	role.IsActive = active
	r.roles[id] = role
	return nil
}

func (r *memoryRepo) DeleteCustomRoleCascade(_ context.Context, id uuid.UUID) error {
	if _, ok := r.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.roles, id)
	delete(r.grants, id)
	kept := r.assignments[:0]
	for _, a := range r.assignments {
		if a.CustomRoleID != id {
			kept = append(kept, a)
		}
	}
	r.assignments = kept
	return nil
}

func (r *memoryRepo) SetGrant(_ context.Context, ref RoleRef, code string) error {
	id, _ := ref.CustomRoleID()
	if r.grants[id] == nil {
		r.grants[id] = make(map[string]bool)
	}
	r.grants[id][code] = true
	return nil
}

func (r *memoryRepo) RemoveGrant(_ context.Context, ref RoleRef, code string) error {
	id, _ := ref.CustomRoleID()
	delete(r.grants[id], code)
	return nil
}

func (r *memoryRepo) UpsertOverride(_ context.Context, o UserOverride) (UserOverride, error) {
	key := overrideKey(o.UserID, o.PermissionCode, o.ProjectID)
	if existing, ok := r.overrides[key]; ok {
		o.ID = existing.ID
	}
	o.CreatedAt = time.Now().UTC()
	r.overrides[key] = o
	return o, nil
}

func (r *memoryRepo) DeleteOverride(_ context.Context, userID uuid.UUID, code string, projectID *uuid.UUID) error {
	delete(r.overrides, overrideKey(userID, code, projectID))
	return nil
}

func (r *memoryRepo) InsertAssignment(_ context.Context, a CustomRoleAssignment) (CustomRoleAssignment, error) {
	a.CreatedAt = time.Now().UTC()
	r.assignments = append(r.assignments, a)
	return a, nil
}

func (r *memoryRepo) DeleteAssignment(_ context.Context, userID, customRoleID uuid.UUID, _ *uuid.UUID) error {
	kept := r.assignments[:0]
	for _, a := range r.assignments {
		if a.UserID == userID && a.CustomRoleID == customRoleID {
			continue
		}
		kept = append(kept, a)
	}
	r.assignments = kept
	return nil
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, log audit.Log) error {
	a.actions = append(a.actions, log.Action)
	return nil
}

type countingInvalidator struct {
	bumps int
}

func (i *countingInvalidator) Bump(context.Context) error {
	i.bumps++
	return nil
}

func TestCreateCustomRoleNormalizesCode(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)

	role, err := svc.CreateCustomRole(context.Background(), CreateCustomRoleInput{
		TenantID: uuid.New(),
		Code:     "  Quality-Inspector ",
		Name:     "Quality Inspector",
	})
	require.NoError(t, err)
	require.Equal(t, "quality-inspector", role.Code)
	require.True(t, role.IsActive)
	require.True(t, role.CanBeDeleted)
}

func TestCreateCustomRoleValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: uuid.New(), Code: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateCustomRole(ctx, CreateCustomRoleInput{Code: "x", Name: "X"})
	require.ErrorIs(t, err, shared.ErrValidation)

	bogus := DefaultRole("intern")
	_, err = svc.CreateCustomRole(ctx, CreateCustomRoleInput{
		TenantID: uuid.New(), Code: "x", Name: "X", InheritsFrom: &bogus,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateCustomRoleDuplicateCode(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: tenantID, Code: "inspector", Name: "Inspector"})
	require.NoError(t, err)
	_, err = svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: tenantID, Code: "INSPECTOR", Name: "Inspector 2"})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestSetGrantRejectsDefaultRoles(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)

	ref, err := DefaultRoleRef(RoleAdmin)
	require.NoError(t, err)
	err = svc.SetGrant(context.Background(), adminOf(uuid.New()), ref, "projects.view", true)
	require.ErrorIs(t, err, shared.ErrUnauthorizedModification)
}

func TestSetGrantUnknownPermission(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)

	ref, err := CustomRoleRef(uuid.New())
	require.NoError(t, err)
	err = svc.SetGrant(context.Background(), adminOf(uuid.New()), ref, "projects.transmogrify", true)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSetGrantAndRemove(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["reports.view"] = Permission{Code: "reports.view"}
	auditor := &recordingAudit{}
	invalidator := &countingInvalidator{}
	svc := NewService(repo, auditor, invalidator)
	ctx := context.Background()
	tenantID := uuid.New()
	actor := adminOf(tenantID)

	role, err := svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: tenantID, Code: "analyst", Name: "Analyst"})
	require.NoError(t, err)
	ref, err := CustomRoleRef(role.ID)
	require.NoError(t, err)

	require.NoError(t, svc.SetGrant(ctx, actor, ref, "reports.view", true))
	require.True(t, repo.grants[role.ID]["reports.view"])

	// granted=false deletes the row rather than writing a deny marker
	require.NoError(t, svc.SetGrant(ctx, actor, ref, "reports.view", false))
	require.False(t, repo.grants[role.ID]["reports.view"])

	require.Equal(t, 2, invalidator.bumps)
	require.Contains(t, auditor.actions, "grant.set")
}

func TestDeleteCustomRoleProtected(t *testing.T) {
	repo := newMemoryRepo()
	tenantID := uuid.New()
	roleID := uuid.New()
	repo.roles[roleID] = CustomRole{ID: roleID, TenantID: tenantID, Code: "seeded", CanBeDeleted: false}
	svc := NewService(repo, nil, nil)

	err := svc.DeleteCustomRole(context.Background(), adminOf(tenantID), roleID)
	require.ErrorIs(t, err, shared.ErrUnauthorizedModification)
	require.Contains(t, repo.roles, roleID)
}

func TestDeleteCustomRoleCascades(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["reports.view"] = Permission{Code: "reports.view"}
	invalidator := &countingInvalidator{}
	svc := NewService(repo, nil, invalidator)
	ctx := context.Background()
	tenantID := uuid.New()
	actor := adminOf(tenantID)

	role, err := svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: tenantID, Code: "temp", Name: "Temp"})
	require.NoError(t, err)
	ref, err := CustomRoleRef(role.ID)
	require.NoError(t, err)
	require.NoError(t, svc.SetGrant(ctx, actor, ref, "reports.view", true))
	_, err = svc.AssignCustomRole(ctx, actor, repo.addUser(tenantID), role.ID, nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCustomRole(ctx, actor, role.ID))
	require.NotContains(t, repo.roles, role.ID)
	require.Empty(t, repo.grants[role.ID])
	require.Empty(t, repo.assignments)
}

func TestGrantOverrideValidation(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["projects.delete"] = Permission{Code: "projects.delete"}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.GrantOverride(ctx, OverrideInput{PermissionCode: "projects.delete"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.GrantOverride(ctx, OverrideInput{
		UserID:         uuid.New(),
		PermissionCode: "projects.delete",
		ExpiresAt:      ptr(time.Now().UTC().Add(-time.Minute)),
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.GrantOverride(ctx, OverrideInput{
		UserID:         uuid.New(),
		PermissionCode: "projects.transmogrify",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestOverrideUpsertReplaces(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["projects.delete"] = Permission{Code: "projects.delete"}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	tenantID := uuid.New()
	userID := repo.addUser(tenantID)

	first, err := svc.GrantOverride(ctx, OverrideInput{TenantID: tenantID, UserID: userID, PermissionCode: "projects.delete"})
	require.NoError(t, err)

	second, err := svc.RevokeOverride(ctx, OverrideInput{TenantID: tenantID, UserID: userID, PermissionCode: "projects.delete"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.overrides, 1)
	require.Equal(t, OverrideRevoke, repo.overrides[overrideKey(userID, "projects.delete", nil)].Action)
}

func TestRemoveOverride(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["projects.delete"] = Permission{Code: "projects.delete"}
	auditor := &recordingAudit{}
	svc := NewService(repo, auditor, nil)
	ctx := context.Background()
	tenantID := uuid.New()
	userID := repo.addUser(tenantID)

	_, err := svc.GrantOverride(ctx, OverrideInput{TenantID: tenantID, UserID: userID, PermissionCode: "projects.delete"})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveOverride(ctx, adminOf(tenantID), userID, "projects.delete", nil))
	require.Empty(t, repo.overrides)
	require.Contains(t, auditor.actions, "override.remove")
}

func TestAssignCustomRoleUnknownRole(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)

	_, err := svc.AssignCustomRole(context.Background(), adminOf(uuid.New()), uuid.New(), uuid.New(), nil)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAssignCustomRoleRejectsDeactivatedRole(t *testing.T) {
	repo := newMemoryRepo()
	tenantID := uuid.New()
	roleID := uuid.New()
	repo.roles[roleID] = CustomRole{ID: roleID, TenantID: tenantID, Code: "dormant", IsActive: false, CanBeDeleted: true}
	svc := NewService(repo, nil, nil)

	_, err := svc.AssignCustomRole(context.Background(), adminOf(tenantID), repo.addUser(tenantID), roleID, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, repo.assignments)
}

func TestListCatalog(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["projects.view"] = Permission{Code: "projects.view"}
	repo.perms["reports.view"] = Permission{Code: "reports.view"}
	svc := NewService(repo, nil, nil)

	perms, err := svc.ListCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 2)
}

func TestRoleMutationsScopedToActingTenant(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["reports.view"] = Permission{Code: "reports.view"}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	owningTenant := uuid.New()
	outsider := adminOf(uuid.New())

	role, err := svc.CreateCustomRole(ctx, CreateCustomRoleInput{TenantID: owningTenant, Code: "inspector", Name: "Inspector"})
	require.NoError(t, err)
	ref, err := CustomRoleRef(role.ID)
	require.NoError(t, err)

	// An admin of another tenant sees somebody else's role as missing and
	// cannot touch it in any way.
	_, err = svc.GetCustomRole(ctx, outsider, role.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.UpdateCustomRole(ctx, outsider, role.ID, "Hijacked", "")
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, "Inspector", repo.roles[role.ID].Name)

	require.ErrorIs(t, svc.DeactivateCustomRole(ctx, outsider, role.ID), shared.ErrNotFound)
	require.True(t, repo.roles[role.ID].IsActive)

	require.ErrorIs(t, svc.SetGrant(ctx, outsider, ref, "reports.view", true), shared.ErrNotFound)
	require.Empty(t, repo.grants[role.ID])

	require.ErrorIs(t, svc.DeleteCustomRole(ctx, outsider, role.ID), shared.ErrNotFound)
	require.Contains(t, repo.roles, role.ID)

	require.NoError(t, svc.DeleteCustomRole(ctx, adminOf(owningTenant), role.ID))
	require.NotContains(t, repo.roles, role.ID)
}

func TestAssignmentScopedToActingTenant(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	owningTenant := uuid.New()
	otherTenant := uuid.New()
	roleID := uuid.New()
	repo.roles[roleID] = CustomRole{ID: roleID, TenantID: owningTenant, Code: "inspector", IsActive: true, CanBeDeleted: true}
	userID := repo.addUser(owningTenant)

	_, err := svc.AssignCustomRole(ctx, adminOf(otherTenant), userID, roleID, nil)
	require.ErrorIs(t, err, shared.ErrNotFound)

	// A role of the acting tenant cannot be attached to a foreign user
	// either.
	foreignUser := repo.addUser(otherTenant)
	_, err = svc.AssignCustomRole(ctx, adminOf(owningTenant), foreignUser, roleID, nil)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, repo.assignments)

	require.ErrorIs(t, svc.UnassignCustomRole(ctx, adminOf(otherTenant), userID, roleID, nil), shared.ErrNotFound)
}

func TestOverrideScopedToActingTenant(t *testing.T) {
	repo := newMemoryRepo()
	repo.perms["projects.delete"] = Permission{Code: "projects.delete"}
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	owningTenant := uuid.New()
	userID := repo.addUser(owningTenant)
	outsider := adminOf(uuid.New())

	_, err := svc.GrantOverride(ctx, OverrideInput{TenantID: outsider.TenantID, UserID: userID, PermissionCode: "projects.delete"})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, repo.overrides)

	_, err = svc.GrantOverride(ctx, OverrideInput{TenantID: owningTenant, UserID: userID, PermissionCode: "projects.delete"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.RemoveOverride(ctx, outsider, userID, "projects.delete", nil), shared.ErrNotFound)
	require.Len(t, repo.overrides, 1)
}
