package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	codes map[uuid.UUID][]string
	calls int
}

func (l *countingLoader) RoleGrantCodes(_ context.Context, customRoleID uuid.UUID) ([]string, error) {
	l.calls++
	return l.codes[customRoleID], nil
}

func newTestGrantCache(t *testing.T, loader GrantSource) (*GrantCache, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewGrantCache(client, loader, time.Minute)
	return cache, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestGrantCacheCachesAcrossCalls(t *testing.T) {
	roleID := uuid.New()
	loader := &countingLoader{codes: map[uuid.UUID][]string{roleID: {"reports.view", "documents.view"}}}
	cache, cleanup := newTestGrantCache(t, loader)
	defer cleanup()
	ctx := context.Background()

	codes, err := cache.RoleGrantCodes(ctx, roleID)
	require.NoError(t, err)
	require.Equal(t, []string{"reports.view", "documents.view"}, codes)
	require.Equal(t, 1, loader.calls)

	codes, err = cache.RoleGrantCodes(ctx, roleID)
	require.NoError(t, err)
	require.Equal(t, []string{"reports.view", "documents.view"}, codes)
	require.Equal(t, 1, loader.calls)
}

func TestGrantCacheBumpInvalidates(t *testing.T) {
	roleID := uuid.New()
	loader := &countingLoader{codes: map[uuid.UUID][]string{roleID: {"reports.view"}}}
	cache, cleanup := newTestGrantCache(t, loader)
	defer cleanup()
	ctx := context.Background()

	_, err := cache.RoleGrantCodes(ctx, roleID)
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)

	loader.codes[roleID] = []string{"reports.view", "safety.view"}
	require.NoError(t, cache.Bump(ctx))

	codes, err := cache.RoleGrantCodes(ctx, roleID)
	require.NoError(t, err)
	require.Equal(t, []string{"reports.view", "safety.view"}, codes)
	require.Equal(t, 2, loader.calls)
}

func TestGrantCacheWithoutRedisPassesThrough(t *testing.T) {
	roleID := uuid.New()
	loader := &countingLoader{codes: map[uuid.UUID][]string{roleID: {"reports.view"}}}
	cache := NewGrantCache(nil, loader, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		codes, err := cache.RoleGrantCodes(ctx, roleID)
		require.NoError(t, err)
		require.Equal(t, []string{"reports.view"}, codes)
	}
	require.Equal(t, 3, loader.calls)
	require.NoError(t, cache.Bump(ctx))
}
