package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

// RepositoryPort defines data access methods for feature flags.
type RepositoryPort interface {
	GetFlag(ctx context.Context, code string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	GetOverride(ctx context.Context, tenantID uuid.UUID, code string) (TenantOverride, error)
	UpsertOverride(ctx context.Context, o TenantOverride) error
	DeleteOverride(ctx context.Context, tenantID uuid.UUID, code string) error
}

// Service resolves feature availability per tenant: an unexpired tenant
// override wins over the flag's global default, and unknown codes are
// disabled. Mirrors the fail-closed behavior of permission resolution.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsEnabled reports whether the feature is on for the tenant. Errors never
// escape; every failure resolves to disabled.
func (s *Service) IsEnabled(ctx context.Context, tenantID uuid.UUID, code string) bool {
	override, err := s.repo.GetOverride(ctx, tenantID, code)
	switch {
	case err == nil:
		if override.Active(s.now()) {
			return override.Enabled
		}
	case !errors.Is(err, shared.ErrNotFound):
		s.logger.Error("features: load override", slog.String("code", code), slog.Any("error", err))
		return false
	}

	flag, err := s.repo.GetFlag(ctx, code)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("features: load flag", slog.String("code", code), slog.Any("error", err))
		}
		return false
	}
	return flag.DefaultEnabled
}

// ListFlags returns the global flag catalog.
func (s *Service) ListFlags(ctx context.Context) ([]Flag, error) {
	return s.repo.ListFlags(ctx)
}

// SetTenantOverride enables or disables a feature for one tenant.
func (s *Service) SetTenantOverride(ctx context.Context, tenantID uuid.UUID, code string, enabled bool, expiresAt *time.Time) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant required", shared.ErrValidation)
	}
	if _, err := s.repo.GetFlag(ctx, code); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: unknown feature %q", shared.ErrValidation, code)
		}
		return err
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return fmt.Errorf("%w: expiry must be in the future", shared.ErrValidation)
	}
	return s.repo.UpsertOverride(ctx, TenantOverride{
		TenantID:  tenantID,
		Code:      code,
		Enabled:   enabled,
		ExpiresAt: expiresAt,
	})
}

// ClearTenantOverride removes the override, restoring the global default.
func (s *Service) ClearTenantOverride(ctx context.Context, tenantID uuid.UUID, code string) error {
	return s.repo.DeleteOverride(ctx, tenantID, code)
}
