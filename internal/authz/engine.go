package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

// Store describes the reads the engine composes. All methods are pure reads;
// the engine never mutates state.
type Store interface {
	GetPermission(ctx context.Context, code string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	ListActiveOverrides(ctx context.Context, userID uuid.UUID, code string, now time.Time) ([]UserOverride, error)
	ListOverridesForUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]UserOverride, error)
	ListAssignmentsForUser(ctx context.Context, userID uuid.UUID) ([]CustomRoleAssignment, error)
}

// GrantSource resolves the grant set of a custom role. Repository satisfies
// it directly; GrantCache wraps it with a Redis layer for the hot path.
type GrantSource interface {
	RoleGrantCodes(ctx context.Context, customRoleID uuid.UUID) ([]string, error)
}

// FeaturePort exposes tenant feature resolution.
type FeaturePort interface {
	IsEnabled(ctx context.Context, tenantID uuid.UUID, code string) bool
}

// CheckObserver receives the outcome of every Check call.
type CheckObserver interface {
	ObserveCheck(granted bool, source Source)
}

// Engine resolves permissions by composing four sources of truth under a
// strict precedence order: user override, then role-based grants, then deny.
// It is stateless and safe for concurrent use.
type Engine struct {
	store    Store
	grants   GrantSource
	features FeaturePort
	logger   *slog.Logger
	observer CheckObserver
	now      func() time.Time
}

// NewEngine constructs an Engine. features and observer may be nil.
func NewEngine(store Store, grants GrantSource, features FeaturePort, logger *slog.Logger, observer CheckObserver) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		grants:   grants,
		features: features,
		logger:   logger,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check reports whether the user holds the permission, optionally within a
// project scope. Resolution short-circuits at the first decisive layer:
//
//  1. unknown permission code denies;
//  2. the most specific active override decides immediately;
//  3. the user's default role grants via the compiled-in policy;
//  4. any assigned, in-scope, active custom role grants;
//  5. otherwise deny.
//
// Errors never escape: every missing-data or failure case resolves to deny.
func (e *Engine) Check(ctx context.Context, userID uuid.UUID, code string, projectID *uuid.UUID) bool {
	granted, source := e.check(ctx, userID, code, projectID)
	if e.observer != nil {
		e.observer.ObserveCheck(granted, source)
	}
	return granted
}

func (e *Engine) check(ctx context.Context, userID uuid.UUID, code string, projectID *uuid.UUID) (bool, Source) {
	if _, err := e.store.GetPermission(ctx, code); err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			e.logger.Error("authz: resolve permission", slog.String("code", code), slog.Any("error", err))
		}
		return false, SourceNone
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			e.logger.Error("authz: resolve user", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return false, SourceNone
	}
	if !user.IsActive {
		return false, SourceNone
	}

	sources := []func(context.Context, User, string, *uuid.UUID) (bool, Source, bool){
		e.overrideSource,
		e.defaultRoleSource,
		e.customRoleSource,
	}
	for _, source := range sources {
		if granted, src, decided := source(ctx, user, code, projectID); decided {
			return granted, src
		}
	}
	return false, SourceNone
}

// overrideSource is the highest-precedence layer: it exists so an admin can
// carve out exceptions without editing role definitions. A project-scoped
// row beats the global row when both are present.
func (e *Engine) overrideSource(ctx context.Context, user User, code string, projectID *uuid.UUID) (bool, Source, bool) {
	overrides, err := e.store.ListActiveOverrides(ctx, user.ID, code, e.now())
	if err != nil {
		e.logger.Error("authz: list overrides", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		return false, SourceNone, true
	}
	if ov := pickOverride(overrides, projectID); ov != nil {
		return ov.Action == OverrideGrant, SourceOverride, true
	}
	return false, SourceNone, false
}

func (e *Engine) defaultRoleSource(_ context.Context, user User, code string, _ *uuid.UUID) (bool, Source, bool) {
	if DefaultRoleGranted(user.DefaultRole, code) {
		return true, SourceDefaultRole, true
	}
	return false, SourceNone, false
}

// customRoleSource applies OR semantics: any assigned custom role granting
// the permission is sufficient. There is no deny signal at this layer; a
// revoke is expressible only as a user override.
func (e *Engine) customRoleSource(ctx context.Context, user User, code string, projectID *uuid.UUID) (bool, Source, bool) {
	assignments, err := e.store.ListAssignmentsForUser(ctx, user.ID)
	if err != nil {
		e.logger.Error("authz: list assignments", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		return false, SourceNone, true
	}
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.AppliesTo(projectID) {
			continue
		}
		if _, dup := seen[a.CustomRoleID]; dup {
			continue
		}
		seen[a.CustomRoleID] = struct{}{}
		codes, err := e.grants.RoleGrantCodes(ctx, a.CustomRoleID)
		if err != nil {
			e.logger.Error("authz: role grants", slog.String("role_id", a.CustomRoleID.String()), slog.Any("error", err))
			return false, SourceNone, true
		}
		for _, granted := range codes {
			if granted == code {
				return true, SourceCustomRole, true
			}
		}
	}
	return false, SourceNone, false
}

// ListPermissions returns, for every cataloged permission, whether the user
// holds it and which layer decided, keeping the highest-priority candidate
// per code (override > custom role > default role). The granted value agrees
// with Check for every code. Like Check, it never surfaces evaluation
// errors: a store failure or an unknown user resolves to an all-denied
// listing.
func (e *Engine) ListPermissions(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) []EffectivePermission {
	catalog, err := e.store.ListPermissions(ctx)
	if err != nil {
		e.logger.Error("authz: list catalog", slog.Any("error", err))
		return []EffectivePermission{}
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			e.logger.Error("authz: resolve user", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return deniedListing(catalog)
	}
	if !user.IsActive {
		return deniedListing(catalog)
	}

	overrides, err := e.store.ListOverridesForUser(ctx, userID, e.now())
	if err != nil {
		e.logger.Error("authz: list overrides", slog.String("user_id", userID.String()), slog.Any("error", err))
		return deniedListing(catalog)
	}
	overrideByCode := make(map[string]UserOverride, len(overrides))
	for _, ov := range overrides {
		if !ov.AppliesTo(projectID) {
			continue
		}
		existing, ok := overrideByCode[ov.PermissionCode]
		if !ok || (existing.ProjectID == nil && ov.ProjectID != nil) {
			overrideByCode[ov.PermissionCode] = ov
		}
	}

	customCodes, err := e.customGrantSet(ctx, userID, projectID)
	if err != nil {
		e.logger.Error("authz: custom grant set", slog.String("user_id", userID.String()), slog.Any("error", err))
		return deniedListing(catalog)
	}

	result := make([]EffectivePermission, 0, len(catalog))
	for _, perm := range catalog {
		entry := EffectivePermission{Code: perm.Code, Name: perm.Name, Category: perm.Category, Source: SourceNone}
		switch {
		case hasOverride(overrideByCode, perm.Code):
			entry.Granted = overrideByCode[perm.Code].Action == OverrideGrant
			entry.Source = SourceOverride
		case customCodes[perm.Code]:
			entry.Granted = true
			entry.Source = SourceCustomRole
		case DefaultRoleGranted(user.DefaultRole, perm.Code):
			entry.Granted = true
			entry.Source = SourceDefaultRole
		}
		result = append(result, entry)
	}
	return result
}

func (e *Engine) customGrantSet(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID) (map[string]bool, error) {
	assignments, err := e.store.ListAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	codes := make(map[string]bool)
	seen := make(map[uuid.UUID]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.AppliesTo(projectID) {
			continue
		}
		if _, dup := seen[a.CustomRoleID]; dup {
			continue
		}
		seen[a.CustomRoleID] = struct{}{}
		granted, err := e.grants.RoleGrantCodes(ctx, a.CustomRoleID)
		if err != nil {
			return nil, err
		}
		for _, code := range granted {
			codes[code] = true
		}
	}
	return codes, nil
}

// HasFeature reports whether the feature is enabled for the tenant. Unknown
// codes and missing configuration resolve to false.
func (e *Engine) HasFeature(ctx context.Context, tenantID uuid.UUID, code string) bool {
	if e.features == nil {
		return false
	}
	return e.features.IsEnabled(ctx, tenantID, code)
}

func pickOverride(overrides []UserOverride, projectID *uuid.UUID) *UserOverride {
	var global *UserOverride
	for i := range overrides {
		ov := overrides[i]
		if !ov.AppliesTo(projectID) {
			continue
		}
		if ov.ProjectID != nil {
			return &overrides[i]
		}
		if global == nil {
			global = &overrides[i]
		}
	}
	return global
}

func hasOverride(m map[string]UserOverride, code string) bool {
	_, ok := m[code]
	return ok
}

func deniedListing(catalog []Permission) []EffectivePermission {
	result := make([]EffectivePermission, 0, len(catalog))
	for _, perm := range catalog {
		result = append(result, EffectivePermission{
			Code: perm.Code, Name: perm.Name, Category: perm.Category,
			Granted: false, Source: SourceNone,
		})
	}
	return result
}
