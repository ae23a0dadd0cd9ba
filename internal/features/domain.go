package features

import (
	"time"

	"github.com/google/uuid"
)

// Flag is a global toggle gating optional functionality.
type Flag struct {
	Code           string
	Name           string
	Category       string
	DefaultEnabled bool
	IsBeta         bool
	// RequiredTier gates the feature behind a subscription tier when set.
	RequiredTier string
}

// TenantOverride enables or disables a feature for one tenant, optionally
// until a deadline. Expired overrides are ignored at query time, not
// deleted.
type TenantOverride struct {
	TenantID  uuid.UUID
	Code      string
	Enabled   bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Active reports whether the override is in effect at the given instant.
func (o TenantOverride) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}
