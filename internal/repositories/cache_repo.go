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

type PostgresCacheRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCacheRepository(pool *pgxpool.Pool) *PostgresCacheRepository {
	return &PostgresCacheRepository{pool: pool}
}

const cacheColumns = `id, device_id, content_type, content_id, payload, size_bytes,
	priority, last_accessed_at, access_count, source_version, local_version,
	stale, expires_at, created_at`

func scanCacheEntry(row pgx.Row) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := row.Scan(
		&e.ID,
		&e.Key.DeviceID,
		&e.Key.ContentType,
		&e.Key.ContentID,
		&e.Payload,
		&e.SizeBytes,
		&e.Priority,
		&e.LastAccessedAt,
		&e.AccessCount,
		&e.SourceVersion,
		&e.LocalVersion,
		&e.Stale,
		&e.ExpiresAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresCacheRepository) Upsert(ctx context.Context, entry *models.CacheEntry) error {
	query := `INSERT INTO cache_entries
	          (id, device_id, content_type, content_id, payload, size_bytes,
	           priority, last_accessed_at, source_version, local_version, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          ON CONFLICT (device_id, content_type, content_id) DO UPDATE
	          SET payload = EXCLUDED.payload,
	              size_bytes = EXCLUDED.size_bytes,
	              priority = EXCLUDED.priority,
	              last_accessed_at = EXCLUDED.last_accessed_at,
	              source_version = EXCLUDED.source_version,
	              local_version = EXCLUDED.local_version,
	              stale = FALSE,
	              expires_at = EXCLUDED.expires_at
	          RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		entry.ID,
		entry.Key.DeviceID,
		entry.Key.ContentType,
		entry.Key.ContentID,
		entry.Payload,
		entry.SizeBytes,
		entry.Priority,
		entry.LastAccessedAt,
		entry.SourceVersion,
		entry.LocalVersion,
		entry.ExpiresAt,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (r *PostgresCacheRepository) Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
	          FROM cache_entries
	          WHERE device_id = $1 AND content_type = $2 AND content_id = $3`

	entry, err := scanCacheEntry(r.pool.QueryRow(ctx, query, key.DeviceID, key.ContentType, key.ContentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresCacheRepository) Delete(ctx context.Context, key models.CacheKey) error {
	query := `DELETE FROM cache_entries
	          WHERE device_id = $1 AND content_type = $2 AND content_id = $3`

	result, err := r.pool.Exec(ctx, query, key.DeviceID, key.ContentType, key.ContentID)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCacheRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time, stale bool) error {
	query := `UPDATE cache_entries
	          SET last_accessed_at = $1, access_count = access_count + 1, stale = $2
	          WHERE id = $3`

	result, err := r.pool.Exec(ctx, query, at, stale, id)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresCacheRepository) UsedBytes(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE device_id = $1`

	var used int64
	if err := r.pool.QueryRow(ctx, query, deviceID).Scan(&used); err != nil {
		return 0, fmt.Errorf("failed to sum cache usage: %w", err)
	}
	return used, nil
}

// EvictLowest deletes the eviction victim in one statement: lowest priority
// first, then least recently accessed, then lowest access count.
func (r *PostgresCacheRepository) EvictLowest(ctx context.Context, deviceID uuid.UUID) (*models.CacheEntry, error) {
	query := `DELETE FROM cache_entries
	          WHERE id = (
	              SELECT id FROM cache_entries
	              WHERE device_id = $1
	              ORDER BY priority ASC, last_accessed_at ASC, access_count ASC
	              LIMIT 1
	          )
	          RETURNING ` + cacheColumns

	entry, err := scanCacheEntry(r.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to evict cache entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresCacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected(), nil
}
