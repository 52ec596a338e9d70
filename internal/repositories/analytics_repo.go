package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpost-sync/outpost/internal/models"
)

type PostgresAnalyticsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAnalyticsRepository(pool *pgxpool.Pool) *PostgresAnalyticsRepository {
	return &PostgresAnalyticsRepository{pool: pool}
}

// InsertBatch writes a flushed batch in one round trip. Duplicate dedup
// hashes within the retained window are skipped, telemetry is
// lossy-tolerant by design.
func (r *PostgresAnalyticsRepository) InsertBatch(ctx context.Context, batchID uuid.UUID, events []*models.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `INSERT INTO analytics_events
	          (id, device_id, session_id, category, action, label, value,
	           client_timestamp, dedup_hash, batch_id, synced)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
	          ON CONFLICT (dedup_hash) DO NOTHING`

	for _, e := range events {
		batch.Queue(query,
			e.ID,
			e.DeviceID,
			e.SessionID,
			e.Category,
			e.Action,
			e.Label,
			e.Value,
			e.ClientTimestamp,
			e.DedupHash,
			batchID,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert analytics batch: %w", err)
		}
	}
	return nil
}

func (r *PostgresAnalyticsRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM analytics_events WHERE client_timestamp < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge analytics events: %w", err)
	}
	return result.RowsAffected(), nil
}
