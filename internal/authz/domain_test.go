package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

func TestRoleRefExclusivity(t *testing.T) {
	ref, err := DefaultRoleRef(RoleForeman)
	require.NoError(t, err)
	require.True(t, ref.IsDefault())
	role, ok := ref.DefaultRole()
	require.True(t, ok)
	require.Equal(t, RoleForeman, role)
	_, ok = ref.CustomRoleID()
	require.False(t, ok)

	id := uuid.New()
	ref, err = CustomRoleRef(id)
	require.NoError(t, err)
	require.False(t, ref.IsDefault())
	got, ok := ref.CustomRoleID()
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestRoleRefConstructorsReject(t *testing.T) {
	_, err := DefaultRoleRef(DefaultRole("intern"))
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = CustomRoleRef(uuid.Nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDefaultRoleValid(t *testing.T) {
	for _, role := range DefaultRoles {
		require.True(t, role.Valid(), "role %s", role)
	}
	require.False(t, DefaultRole("intern").Valid())
	require.False(t, DefaultRole("").Valid())
}

func TestOverrideActive(t *testing.T) {
	now := time.Now().UTC()

	require.True(t, UserOverride{}.Active(now))
	require.True(t, UserOverride{ExpiresAt: ptr(now.Add(time.Minute))}.Active(now))
	require.False(t, UserOverride{ExpiresAt: ptr(now.Add(-time.Minute))}.Active(now))
	require.False(t, UserOverride{ExpiresAt: ptr(now)}.Active(now))
}

func TestOverrideAppliesTo(t *testing.T) {
	project := uuid.New()
	other := uuid.New()

	global := UserOverride{}
	require.True(t, global.AppliesTo(nil))
	require.True(t, global.AppliesTo(&project))

	scoped := UserOverride{ProjectID: &project}
	require.False(t, scoped.AppliesTo(nil))
	require.True(t, scoped.AppliesTo(&project))
	require.False(t, scoped.AppliesTo(&other))
}

func TestDefaultRolePolicyOnlyReferencesValidShape(t *testing.T) {
	require.True(t, DefaultRoleGranted(RoleOwner, "anything.at_all"))
	require.True(t, DefaultRoleGranted(RoleAdmin, "roles.manage"))
	require.False(t, DefaultRoleGranted(RoleWorker, "roles.manage"))
	require.False(t, DefaultRoleGranted(DefaultRole("intern"), "projects.view"))

	require.NotEmpty(t, DefaultRoleGrants(RoleWorker))
	require.Empty(t, DefaultRoleGrants(RoleOwner))
}
