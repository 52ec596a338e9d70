package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outpost-sync/outpost/internal/models"
)

type PostgresQueueEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresQueueEventRepository(pool *pgxpool.Pool) *PostgresQueueEventRepository {
	return &PostgresQueueEventRepository{pool: pool}
}

const queueEventColumns = `id, device_id, event_type, entity_type, entity_id, payload,
	priority, status, attempts, next_attempt_at, last_attempt_at,
	client_timestamp, content_hash, expires_at, created_at, updated_at`

func scanQueueEvent(row pgx.Row) (*models.QueueEvent, error) {
	var e models.QueueEvent
	err := row.Scan(
		&e.ID,
		&e.DeviceID,
		&e.EventType,
		&e.EntityType,
		&e.EntityID,
		&e.Payload,
		&e.Priority,
		&e.Status,
		&e.Attempts,
		&e.NextAttemptAt,
		&e.LastAttemptAt,
		&e.ClientTimestamp,
		&e.ContentHash,
		&e.ExpiresAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresQueueEventRepository) Create(ctx context.Context, event *models.QueueEvent) error {
	query := `INSERT INTO queue_events
	          (id, device_id, event_type, entity_type, entity_id, payload,
	           priority, status, client_timestamp, content_hash, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          RETURNING created_at`

	err := r.pool.QueryRow(ctx, query,
		event.ID,
		event.DeviceID,
		event.EventType,
		event.EntityType,
		event.EntityID,
		event.Payload,
		event.Priority,
		event.Status,
		event.ClientTimestamp,
		event.ContentHash,
		event.ExpiresAt,
	).Scan(&event.CreatedAt)

	if err != nil {
		// The partial unique index on (device_id, content_hash) makes a
		// racing insert of the same payload lose here instead of creating
		// a second row.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to create queue event: %w", err)
	}
	return nil
}

func (r *PostgresQueueEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QueueEvent, error) {
	query := `SELECT ` + queueEventColumns + ` FROM queue_events WHERE id = $1`

	event, err := scanQueueEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue event: %w", err)
	}
	return event, nil
}

// GetByHash returns the most recent event for the device with the given
// content hash, used for idempotent enqueue.
func (r *PostgresQueueEventRepository) GetByHash(ctx context.Context, deviceID uuid.UUID, hash string) (*models.QueueEvent, error) {
	query := `SELECT ` + queueEventColumns + `
	          FROM queue_events
	          WHERE device_id = $1 AND content_hash = $2
	          ORDER BY created_at DESC
	          LIMIT 1`

	event, err := scanQueueEvent(r.pool.QueryRow(ctx, query, deviceID, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue event by hash: %w", err)
	}
	return event, nil
}

// ListEligible orders by priority descending, then oldest client timestamp
// first within a priority tier, so urgent events go first without starving
// old low-priority ones inside their tier.
func (r *PostgresQueueEventRepository) ListEligible(ctx context.Context, deviceID uuid.UUID, now time.Time, limit int) ([]*models.QueueEvent, error) {
	query := `SELECT ` + queueEventColumns + `
	          FROM queue_events
	          WHERE device_id = $1
	            AND status = 'pending'
	            AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
	            AND (expires_at IS NULL OR expires_at > $2)
	          ORDER BY priority DESC, client_timestamp ASC
	          LIMIT $3`

	rows, err := r.pool.Query(ctx, query, deviceID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible events: %w", err)
	}
	defer rows.Close()

	var events []*models.QueueEvent
	for rows.Next() {
		event, err := scanQueueEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue events: %w", err)
	}
	return events, nil
}

// Transition is a compare-and-set on status: the UPDATE only lands when the
// row is still in one of the expected source statuses, so racing paths
// (scheduler tick vs explicit sync call) cannot double-apply.
func (r *PostgresQueueEventRepository) Transition(ctx context.Context, id uuid.UUID, from []models.EventStatus, to models.EventStatus, patch EventPatch) error {
	query := `UPDATE queue_events
	          SET status = $1,
	              attempts = $2,
	              next_attempt_at = $3,
	              last_attempt_at = $4,
	              updated_at = NOW()
	          WHERE id = $5 AND status = ANY($6)`

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, query,
		to,
		patch.Attempts,
		patch.NextAttemptAt,
		patch.LastAttemptAt,
		id,
		statuses,
	)
	if err != nil {
		return fmt.Errorf("failed to transition queue event: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (r *PostgresQueueEventRepository) CountPending(ctx context.Context, deviceID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM queue_events WHERE device_id = $1 AND status = 'pending'`

	var count int
	if err := r.pool.QueryRow(ctx, query, deviceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

func (r *PostgresQueueEventRepository) DevicesWithEligible(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT device_id
	          FROM queue_events
	          WHERE status = 'pending'
	            AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	            AND (expires_at IS NULL OR expires_at > $1)`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices with eligible events: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device ids: %w", err)
	}
	return ids, nil
}

func (r *PostgresQueueEventRepository) RequeueStaleSyncing(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE queue_events
	          SET status = 'pending', updated_at = NOW()
	          WHERE status = 'syncing'
	            AND COALESCE(last_attempt_at, updated_at, created_at) <= $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale syncing events: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresQueueEventRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM queue_events WHERE status = 'synced' AND updated_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced events: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresQueueEventRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM queue_events
	          WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1`

	result, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return result.RowsAffected(), nil
}
