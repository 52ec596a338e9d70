package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpost-sync/outpost/internal/models"
)

type PostgresConflictRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConflictRepository(pool *pgxpool.Pool) *PostgresConflictRepository {
	return &PostgresConflictRepository{pool: pool}
}

func (r *PostgresConflictRepository) Create(ctx context.Context, conflict *models.Conflict) error {
	query := `INSERT INTO conflicts
	          (id, device_id, event_id, entity_type, entity_id,
	           local_snapshot, server_snapshot, severity, detected_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		conflict.ID,
		conflict.DeviceID,
		conflict.EventID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.LocalSnapshot,
		conflict.ServerSnapshot,
		conflict.Severity,
		conflict.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *PostgresConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	query := `SELECT id, device_id, event_id, entity_type, entity_id,
	                 local_snapshot, server_snapshot, strategy, merged_result,
	                 severity, auto_resolved, detected_at, resolved_at
	          FROM conflicts
	          WHERE id = $1`

	var c models.Conflict
	var strategy *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.DeviceID,
		&c.EventID,
		&c.EntityType,
		&c.EntityID,
		&c.LocalSnapshot,
		&c.ServerSnapshot,
		&strategy,
		&c.MergedResult,
		&c.Severity,
		&c.AutoResolved,
		&c.DetectedAt,
		&c.ResolvedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	if strategy != nil {
		c.Strategy = models.ResolutionStrategy(*strategy)
	}
	return &c, nil
}

// MarkResolved writes the resolution exactly once; a conflict is terminal
// after this.
func (r *PostgresConflictRepository) MarkResolved(ctx context.Context, conflict *models.Conflict) error {
	query := `UPDATE conflicts
	          SET strategy = $1, merged_result = $2, auto_resolved = $3, resolved_at = $4
	          WHERE id = $5 AND resolved_at IS NULL`

	result, err := r.pool.Exec(ctx, query,
		conflict.Strategy,
		conflict.MergedResult,
		conflict.AutoResolved,
		conflict.ResolvedAt,
		conflict.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *PostgresConflictRepository) ListUnresolved(ctx context.Context, deviceID uuid.UUID) ([]*models.Conflict, error) {
	query := `SELECT id, device_id, event_id, entity_type, entity_id,
	                 local_snapshot, server_snapshot, strategy, merged_result,
	                 severity, auto_resolved, detected_at, resolved_at
	          FROM conflicts
	          WHERE device_id = $1 AND resolved_at IS NULL
	          ORDER BY detected_at ASC`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		var c models.Conflict
		var strategy *string
		err := rows.Scan(
			&c.ID,
			&c.DeviceID,
			&c.EventID,
			&c.EntityType,
			&c.EntityID,
			&c.LocalSnapshot,
			&c.ServerSnapshot,
			&strategy,
			&c.MergedResult,
			&c.Severity,
			&c.AutoResolved,
			&c.DetectedAt,
			&c.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if strategy != nil {
			c.Strategy = models.ResolutionStrategy(*strategy)
		}
		conflicts = append(conflicts, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
