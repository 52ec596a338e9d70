package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a guarded status transition finds the
// row in a different state than expected (another path won the race).
var ErrStatusConflict = errors.New("status conflict: event was modified by another path")

// ErrDuplicateEvent is returned by QueueEventRepository.Create when a
// non-failed event with the same (device, content hash) already exists.
var ErrDuplicateEvent = errors.New("duplicate event: same content hash already queued")

type DeviceRepository interface {
	Upsert(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	SetOnline(ctx context.Context, id uuid.UUID, online bool, at time.Time) error
	UpdateSyncStats(ctx context.Context, id uuid.UUID, lastSync time.Time, consecutiveErrors int) error
	RetireInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPatch carries the mutable retry fields written alongside a status
// transition.
type EventPatch struct {
	Attempts      int
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
}

type QueueEventRepository interface {
	Create(ctx context.Context, event *models.QueueEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.QueueEvent, error)
	GetByHash(ctx context.Context, deviceID uuid.UUID, hash string) (*models.QueueEvent, error)
	// ListEligible returns pending events past their backoff and not expired,
	// ordered priority descending then client timestamp ascending.
	ListEligible(ctx context.Context, deviceID uuid.UUID, now time.Time, limit int) ([]*models.QueueEvent, error)
	// Transition moves the event from one of the expected statuses to the
	// target status, applying the patch. Returns ErrStatusConflict when the
	// current status is not in from.
	Transition(ctx context.Context, id uuid.UUID, from []models.EventStatus, to models.EventStatus, patch EventPatch) error
	CountPending(ctx context.Context, deviceID uuid.UUID) (int, error)
	DevicesWithEligible(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	// RequeueStaleSyncing returns events stuck in syncing since before the
	// cutoff to pending, so a crash or failed status write after apply
	// cannot strand them invisibly.
	RequeueStaleSyncing(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, conflict *models.Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error)
	MarkResolved(ctx context.Context, conflict *models.Conflict) error
	ListUnresolved(ctx context.Context, deviceID uuid.UUID) ([]*models.Conflict, error)
}

type CacheRepository interface {
	Upsert(ctx context.Context, entry *models.CacheEntry) error
	Get(ctx context.Context, key models.CacheKey) (*models.CacheEntry, error)
	Delete(ctx context.Context, key models.CacheKey) error
	// Touch records a read: bumps access count, sets last-accessed and the
	// staleness flag.
	Touch(ctx context.Context, id uuid.UUID, at time.Time, stale bool) error
	UsedBytes(ctx context.Context, deviceID uuid.UUID) (int64, error)
	// EvictLowest deletes and returns the lowest-scoring entry for the
	// device: lowest priority first, then least recently accessed, then
	// lowest access count. Returns ErrNotFound on an empty cache.
	EvictLowest(ctx context.Context, deviceID uuid.UUID) (*models.CacheEntry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type ModelRepository interface {
	Publish(ctx context.Context, descriptor *models.EdgeModelDescriptor) error
	GetByID(ctx context.Context, id string) (*models.EdgeModelDescriptor, error)
	ListActive(ctx context.Context) ([]*models.EdgeModelDescriptor, error)
	SetDeprecated(ctx context.Context, id string, deprecated bool) error
	GetStats(ctx context.Context, modelID string) (*models.ModelStats, error)
	UpsertStats(ctx context.Context, stats []*models.ModelStats) error
}

type AnalyticsRepository interface {
	InsertBatch(ctx context.Context, batchID uuid.UUID, events []*models.AnalyticsEvent) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PresenceRepository tracks live connectivity separately from the durable
// device record; online state expires without heartbeats.
type PresenceRepository interface {
	SetOnline(ctx context.Context, deviceID uuid.UUID, online bool) error
	IsOnline(ctx context.Context, deviceID uuid.UUID) (bool, error)
}
