package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpost-sync/outpost/internal/models"
)

type PostgresModelRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresModelRepository(pool *pgxpool.Pool) *PostgresModelRepository {
	return &PostgresModelRepository{pool: pool}
}

func (r *PostgresModelRepository) Publish(ctx context.Context, d *models.EdgeModelDescriptor) error {
	query := `INSERT INTO edge_models
	          (id, type, version, required_caps, size_bytes, load_latency_ms,
	           inference_latency_ms, expected_accuracy, active, deprecated, published_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	          RETURNING published_at`

	err := r.pool.QueryRow(ctx, query,
		d.ID,
		d.Type,
		d.Version,
		d.RequiredCaps,
		d.SizeBytes,
		d.LoadLatencyMS,
		d.InferenceLatencyMS,
		d.ExpectedAccuracy,
		d.Active,
		d.Deprecated,
	).Scan(&d.PublishedAt)

	if err != nil {
		return fmt.Errorf("failed to publish model descriptor: %w", err)
	}
	return nil
}

func (r *PostgresModelRepository) GetByID(ctx context.Context, id string) (*models.EdgeModelDescriptor, error) {
	query := `SELECT id, type, version, required_caps, size_bytes, load_latency_ms,
	                 inference_latency_ms, expected_accuracy, active, deprecated, published_at
	          FROM edge_models
	          WHERE id = $1`

	var d models.EdgeModelDescriptor
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID,
		&d.Type,
		&d.Version,
		&d.RequiredCaps,
		&d.SizeBytes,
		&d.LoadLatencyMS,
		&d.InferenceLatencyMS,
		&d.ExpectedAccuracy,
		&d.Active,
		&d.Deprecated,
		&d.PublishedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model descriptor: %w", err)
	}
	return &d, nil
}

func (r *PostgresModelRepository) ListActive(ctx context.Context) ([]*models.EdgeModelDescriptor, error) {
	query := `SELECT id, type, version, required_caps, size_bytes, load_latency_ms,
	                 inference_latency_ms, expected_accuracy, active, deprecated, published_at
	          FROM edge_models
	          WHERE active = TRUE AND deprecated = FALSE
	          ORDER BY type, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query model descriptors: %w", err)
	}
	defer rows.Close()

	var descriptors []*models.EdgeModelDescriptor
	for rows.Next() {
		var d models.EdgeModelDescriptor
		err := rows.Scan(
			&d.ID,
			&d.Type,
			&d.Version,
			&d.RequiredCaps,
			&d.SizeBytes,
			&d.LoadLatencyMS,
			&d.InferenceLatencyMS,
			&d.ExpectedAccuracy,
			&d.Active,
			&d.Deprecated,
			&d.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model descriptor: %w", err)
		}
		descriptors = append(descriptors, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model descriptors: %w", err)
	}
	return descriptors, nil
}

func (r *PostgresModelRepository) SetDeprecated(ctx context.Context, id string, deprecated bool) error {
	query := `UPDATE edge_models SET deprecated = $1 WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, deprecated, id)
	if err != nil {
		return fmt.Errorf("failed to set model deprecation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresModelRepository) GetStats(ctx context.Context, modelID string) (*models.ModelStats, error) {
	query := `SELECT model_id, avg_latency_ms, avg_accuracy, error_rate, samples, updated_at
	          FROM edge_model_stats
	          WHERE model_id = $1`

	var s models.ModelStats
	err := r.pool.QueryRow(ctx, query, modelID).Scan(
		&s.ModelID,
		&s.AvgLatencyMS,
		&s.AvgAccuracy,
		&s.ErrorRate,
		&s.Samples,
		&s.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model stats: %w", err)
	}
	return &s, nil
}

// UpsertStats persists a batch of dirty running averages. Called on the
// periodic flush, not on every recorded outcome.
func (r *PostgresModelRepository) UpsertStats(ctx context.Context, stats []*models.ModelStats) error {
	query := `INSERT INTO edge_model_stats (model_id, avg_latency_ms, avg_accuracy, error_rate, samples, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW())
	          ON CONFLICT (model_id) DO UPDATE
	          SET avg_latency_ms = EXCLUDED.avg_latency_ms,
	              avg_accuracy = EXCLUDED.avg_accuracy,
	              error_rate = EXCLUDED.error_rate,
	              samples = EXCLUDED.samples,
	              updated_at = NOW()`

	for _, s := range stats {
		_, err := r.pool.Exec(ctx, query, s.ModelID, s.AvgLatencyMS, s.AvgAccuracy, s.ErrorRate, s.Samples)
		if err != nil {
			return fmt.Errorf("failed to upsert stats for model %s: %w", s.ModelID, err)
		}
	}
	return nil
}
