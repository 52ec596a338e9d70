package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpost-sync/outpost/internal/models"
)

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

// Upsert creates the device on first contact or refreshes capabilities and
// quota on re-registration. Registration is idempotent on id.
func (r *PostgresDeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (id, user_id, capabilities, quota_bytes, online)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (id) DO UPDATE
	          SET user_id = EXCLUDED.user_id,
	              capabilities = EXCLUDED.capabilities,
	              quota_bytes = EXCLUDED.quota_bytes,
	              retired_at = NULL,
	              updated_at = NOW()
	          RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.Capabilities,
		device.QuotaBytes,
		device.Online,
	).Scan(&device.CreatedAt, &device.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT id, user_id, capabilities, quota_bytes, online,
	                 last_online_at, last_sync_at, consecutive_errors,
	                 retired_at, created_at, updated_at
	          FROM devices
	          WHERE id = $1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.UserID,
		&device.Capabilities,
		&device.QuotaBytes,
		&device.Online,
		&device.LastOnlineAt,
		&device.LastSyncAt,
		&device.ConsecutiveErrors,
		&device.RetiredAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool, at time.Time) error {
	query := `UPDATE devices
	          SET online = $1,
	              last_online_at = CASE WHEN $1 THEN $2 ELSE last_online_at END,
	              updated_at = NOW()
	          WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, online, at, id)
	if err != nil {
		return fmt.Errorf("failed to set device online state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) UpdateSyncStats(ctx context.Context, id uuid.UUID, lastSync time.Time, consecutiveErrors int) error {
	query := `UPDATE devices
	          SET last_sync_at = $1, consecutive_errors = $2, updated_at = NOW()
	          WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, lastSync, consecutiveErrors, id)
	if err != nil {
		return fmt.Errorf("failed to update sync stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RetireInactive soft-retires devices that have not been online since the
// cutoff. Retired devices are never hard-deleted; re-registration revives
// them.
func (r *PostgresDeviceRepository) RetireInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE devices
	          SET retired_at = NOW(), updated_at = NOW()
	          WHERE retired_at IS NULL
	            AND online = FALSE
	            AND COALESCE(last_online_at, created_at) < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to retire inactive devices: %w", err)
	}
	return result.RowsAffected(), nil
}
