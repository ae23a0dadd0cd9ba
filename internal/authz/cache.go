package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const grantCacheVersionKey = "authz:grants:version"

// GrantCache keeps custom-role grant sets in Redis so the hot path of every
// authorized request does not hit Postgres per assigned role. Entries carry
// a global version in their key; Bump after any grant mutation makes all
// cached sets unreachable at once. Concurrent rebuilds of the same role are
// collapsed with singleflight.
//
// Without a Redis client the cache degrades to pass-through.
type GrantCache struct {
	client *redis.Client
	loader GrantSource
	ttl    time.Duration
	group  singleflight.Group
}

// NewGrantCache wraps loader with a Redis cache layer.
func NewGrantCache(client *redis.Client, loader GrantSource, ttl time.Duration) *GrantCache {
	return &GrantCache{client: client, loader: loader, ttl: ttl}
}

// RoleGrantCodes returns the cached grant set for the role, populating the
// cache on miss.
func (c *GrantCache) RoleGrantCodes(ctx context.Context, customRoleID uuid.UUID) ([]string, error) {
	if c == nil || c.client == nil {
		return c.loader.RoleGrantCodes(ctx, customRoleID)
	}
	key, err := c.buildKey(ctx, customRoleID)
	if err != nil {
		return nil, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var codes []string
		if err := json.Unmarshal(payload, &codes); err == nil {
			return codes, nil
		}
		// Corrupt entry falls through to a rebuild.
	} else if err != redis.Nil {
		return nil, err
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		codes, err := c.loader.RoleGrantCodes(ctx, customRoleID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(codes)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return codes, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

// Bump invalidates every cached grant set by incrementing the version.
func (c *GrantCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, grantCacheVersionKey).Err()
}

func (c *GrantCache) buildKey(ctx context.Context, customRoleID uuid.UUID) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("authz:grants:%s:%d", customRoleID, ver), nil
}

func (c *GrantCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, grantCacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, grantCacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}
