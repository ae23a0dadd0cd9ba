package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubiknyc/supersitehero/internal/audit"
)

// ExpiringOverride is a user override whose expiry falls inside the digest
// window.
type ExpiringOverride struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	PermissionCode string
	ProjectID      *uuid.UUID
	Action         string
	ExpiresAt      time.Time
}

// ExpiringFeatureOverride is a tenant feature override about to lapse.
type ExpiringFeatureOverride struct {
	TenantID    uuid.UUID
	FeatureCode string
	Enabled     bool
	ExpiresAt   time.Time
}

// DigestStore lists overrides expiring before a deadline. The digest never
// deletes anything; expiry stays a query-time filter in the evaluator.
type DigestStore interface {
	ExpiringOverrides(ctx context.Context, until time.Time) ([]ExpiringOverride, error)
	ExpiringFeatureOverrides(ctx context.Context, until time.Time) ([]ExpiringFeatureOverride, error)
}

// AuditPort records the digest outcome.
type AuditPort interface {
	Record(ctx context.Context, log audit.Log) error
}

// PGDigestStore reads expiring overrides from PostgreSQL.
type PGDigestStore struct {
	pool *pgxpool.Pool
}

// NewPGDigestStore constructs the store.
func NewPGDigestStore(pool *pgxpool.Pool) *PGDigestStore {
	return &PGDigestStore{pool: pool}
}

// ExpiringOverrides returns unexpired user overrides expiring before until.
func (s *PGDigestStore) ExpiringOverrides(ctx context.Context, until time.Time) ([]ExpiringOverride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, permission_code, project_id, action, expires_at
		FROM user_permission_overrides
		WHERE expires_at IS NOT NULL AND expires_at > NOW() AND expires_at <= $1
		ORDER BY expires_at`, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []ExpiringOverride
	for rows.Next() {
		var o ExpiringOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionCode, &o.ProjectID, &o.Action, &o.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// ExpiringFeatureOverrides returns unexpired tenant feature overrides
// expiring before until.
func (s *PGDigestStore) ExpiringFeatureOverrides(ctx context.Context, until time.Time) ([]ExpiringFeatureOverride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, feature_code, enabled, expires_at
		FROM tenant_feature_overrides
		WHERE expires_at IS NOT NULL AND expires_at > NOW() AND expires_at <= $1
		ORDER BY expires_at`, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []ExpiringFeatureOverride
	for rows.Next() {
		var o ExpiringFeatureOverride
		if err := rows.Scan(&o.TenantID, &o.FeatureCode, &o.Enabled, &o.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// OverrideExpiryDigestJob reports overrides that will lapse soon.
type OverrideExpiryDigestJob struct {
	Store  DigestStore
	Audit  AuditPort
	Logger *slog.Logger
	clock  func() time.Time
}

// NewOverrideExpiryDigestJob wires dependencies for the digest handler.
func NewOverrideExpiryDigestJob(store DigestStore, auditor AuditPort, logger *slog.Logger) *OverrideExpiryDigestJob {
	return &OverrideExpiryDigestJob{
		Store:  store,
		Audit:  auditor,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskOverrideExpiryDigest tasks.
func (j *OverrideExpiryDigestJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("override digest: handler not configured")
	}
	var payload OverrideExpiryDigestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	window := time.Duration(payload.WindowHours) * time.Hour
	if window <= 0 {
		window = 72 * time.Hour
	}
	until := j.clock().Add(window)
	logger := j.logger().With(slog.Time("until", until))

	overrides, err := j.Store.ExpiringOverrides(ctx, until)
	if err != nil {
		logger.Error("list expiring overrides", slog.Any("error", err))
		return err
	}
	for _, o := range overrides {
		logger.Info("override expiring",
			slog.String("user_id", o.UserID.String()),
			slog.String("permission", o.PermissionCode),
			slog.String("action", o.Action),
			slog.Time("expires_at", o.ExpiresAt))
	}

	featureOverrides, err := j.Store.ExpiringFeatureOverrides(ctx, until)
	if err != nil {
		logger.Error("list expiring feature overrides", slog.Any("error", err))
		return err
	}
	for _, o := range featureOverrides {
		logger.Info("feature override expiring",
			slog.String("tenant_id", o.TenantID.String()),
			slog.String("feature", o.FeatureCode),
			slog.Time("expires_at", o.ExpiresAt))
	}

	if j.Audit != nil && (len(overrides) > 0 || len(featureOverrides) > 0) {
		if err := j.Audit.Record(ctx, audit.Log{
			Action:   "override.expiry_digest",
			Entity:   "authz",
			EntityID: "digest",
			Meta: map[string]any{
				"overrides":         len(overrides),
				"feature_overrides": len(featureOverrides),
				"until":             until,
			},
		}); err != nil {
			logger.Warn("record digest", slog.Any("error", err))
		}
	}

	logger.Info("override expiry digest complete",
		slog.Int("overrides", len(overrides)),
		slog.Int("feature_overrides", len(featureOverrides)))
	return nil
}

func (j *OverrideExpiryDigestJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
