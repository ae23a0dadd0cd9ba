package features

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubiknyc/supersitehero/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetFlag fetches a flag by code.
func (r *Repository) GetFlag(ctx context.Context, code string) (Flag, error) {
	var f Flag
	err := r.pool.QueryRow(ctx, `
		SELECT code, name, category, default_enabled, is_beta, COALESCE(required_tier, '')
		FROM feature_flags WHERE code = $1`, code).
		Scan(&f.Code, &f.Name, &f.Category, &f.DefaultEnabled, &f.IsBeta, &f.RequiredTier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, shared.ErrNotFound
		}
		return Flag{}, err
	}
	return f, nil
}

// ListFlags returns the full flag catalog ordered by code.
func (r *Repository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, name, category, default_enabled, is_beta, COALESCE(required_tier, '')
		FROM feature_flags ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var flags []Flag
	for rows.Next() {
		var f Flag
		if err := rows.Scan(&f.Code, &f.Name, &f.Category, &f.DefaultEnabled, &f.IsBeta, &f.RequiredTier); err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// GetOverride fetches the tenant override for a feature, expired or not.
func (r *Repository) GetOverride(ctx context.Context, tenantID uuid.UUID, code string) (TenantOverride, error) {
	var o TenantOverride
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, feature_code, enabled, expires_at, created_at
		FROM tenant_feature_overrides WHERE tenant_id = $1 AND feature_code = $2`, tenantID, code).
		Scan(&o.TenantID, &o.Code, &o.Enabled, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantOverride{}, shared.ErrNotFound
		}
		return TenantOverride{}, err
	}
	return o, nil
}

// UpsertOverride writes the tenant override, replacing an existing row.
func (r *Repository) UpsertOverride(ctx context.Context, o TenantOverride) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_feature_overrides (tenant_id, feature_code, enabled, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, feature_code)
		DO UPDATE SET enabled = EXCLUDED.enabled, expires_at = EXCLUDED.expires_at, created_at = NOW()`,
		o.TenantID, o.Code, o.Enabled, o.ExpiresAt)
	return err
}

// DeleteOverride removes the tenant override.
func (r *Repository) DeleteOverride(ctx context.Context, tenantID uuid.UUID, code string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM tenant_feature_overrides WHERE tenant_id = $1 AND feature_code = $2`, tenantID, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
