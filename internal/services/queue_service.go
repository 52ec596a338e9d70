package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/metrics"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/outpost-sync/outpost/internal/utils"
	"go.uber.org/zap"
)

type QueueService struct {
	events      repositories.QueueEventRepository
	backoff     []time.Duration
	maxAttempts int
	retention   time.Duration
	staleAfter  time.Duration
	clock       Clock
	logger      *zap.Logger
}

func NewQueueService(
	events repositories.QueueEventRepository,
	backoff []time.Duration,
	maxAttempts int,
	retention time.Duration,
	staleAfter time.Duration,
	clock Clock,
	logger *zap.Logger,
) *QueueService {
	return &QueueService{
		events:      events,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		retention:   retention,
		staleAfter:  staleAfter,
		clock:       clock,
		logger:      logger,
	}
}

type EnqueueRequest struct {
	EventID         uuid.UUID // Optional client-supplied id for idempotent resubmission
	DeviceID        uuid.UUID
	EventType       string
	EntityType      string
	EntityID        string
	Payload         json.RawMessage
	Priority        int // 0 means default
	ClientTimestamp time.Time
	TTL             time.Duration // 0 means no expiry
}

// Enqueue is an idempotent producer: identical payloads hash identically,
// and a device that already holds the event (synced or still in flight)
// gets the prior id back with no new row.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	if req.DeviceID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if strings.TrimSpace(req.EventType) == "" {
		return uuid.Nil, fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return uuid.Nil, fmt.Errorf("%w: entity type is required", ErrValidation)
	}
	if len(req.Payload) == 0 {
		return uuid.Nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if req.Priority != 0 && (req.Priority < models.MinPriority || req.Priority > models.MaxPriority) {
		return uuid.Nil, fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, models.MinPriority, models.MaxPriority)
	}

	hash := utils.ContentHash(
		[]byte(req.DeviceID.String()),
		[]byte(req.EventType),
		[]byte(req.EntityType),
		[]byte(req.EntityID),
		req.Payload,
	)

	// A resubmission with a known id must carry the same content hash;
	// anything else is tampering, not a retry.
	if req.EventID != uuid.Nil {
		existing, err := s.events.GetByID(ctx, req.EventID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, err
		}
		if existing != nil {
			if existing.ContentHash != hash {
				metrics.IntegrityFailures.Inc()
				s.logger.Warn("content hash mismatch on resubmitted event",
					zap.String("event_id", req.EventID.String()),
					zap.String("device_id", req.DeviceID.String()))
				return uuid.Nil, ErrIntegrity
			}
			return existing.ID, nil
		}
	}

	if existing, err := s.events.GetByHash(ctx, req.DeviceID, hash); err == nil {
		switch existing.Status {
		case models.EventSynced, models.EventPending, models.EventSyncing, models.EventConflict:
			return existing.ID, nil
		}
		// Terminal failure: the caller is explicitly retrying, queue it again.
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return uuid.Nil, err
	}

	now := s.clock.Now()
	event := &models.QueueEvent{
		ID:              req.EventID,
		DeviceID:        req.DeviceID,
		EventType:       req.EventType,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Payload:         req.Payload,
		Priority:        req.Priority,
		Status:          models.EventPending,
		ClientTimestamp: req.ClientTimestamp,
		ContentHash:     hash,
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Priority == 0 {
		event.Priority = models.DefaultPriority
	}
	if event.ClientTimestamp.IsZero() {
		event.ClientTimestamp = now
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		event.ExpiresAt = &expires
	}

	if err := s.events.Create(ctx, event); err != nil {
		// A concurrent enqueue of the same payload beat us past the hash
		// check above; the unique index caught it, return the winner's id.
		if errors.Is(err, repositories.ErrDuplicateEvent) {
			winner, getErr := s.events.GetByHash(ctx, req.DeviceID, hash)
			if getErr != nil {
				return uuid.Nil, getErr
			}
			return winner.ID, nil
		}
		return uuid.Nil, err
	}
	return event.ID, nil
}

// DequeueBatch returns pending eligible events, priority descending then
// oldest client timestamp first within a tier.
func (s *QueueService) DequeueBatch(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.QueueEvent, error) {
	return s.events.ListEligible(ctx, deviceID, s.clock.Now(), limit)
}

func (s *QueueService) GetEvent(ctx context.Context, id uuid.UUID) (*models.QueueEvent, error) {
	return s.events.GetByID(ctx, id)
}

func (s *QueueService) MarkSyncing(ctx context.Context, id uuid.UUID) error {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.events.Transition(ctx, id,
		[]models.EventStatus{models.EventPending, models.EventConflict},
		models.EventSyncing,
		repositories.EventPatch{Attempts: event.Attempts, LastAttemptAt: &now})
}

func (s *QueueService) MarkSynced(ctx context.Context, id uuid.UUID) error {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.events.Transition(ctx, id,
		[]models.EventStatus{models.EventSyncing, models.EventConflict},
		models.EventSynced,
		repositories.EventPatch{Attempts: event.Attempts, LastAttemptAt: &now})
}

// MarkFailed increments the attempt count. With retry, the event returns to
// pending after the scheduled backoff; it turns terminal on the
// max-attempts-th failure. Without retry it is terminal immediately.
func (s *QueueService) MarkFailed(ctx context.Context, id uuid.UUID, retry bool) error {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	attempts := event.Attempts + 1
	patch := repositories.EventPatch{Attempts: attempts, LastAttemptAt: &now}
	from := []models.EventStatus{models.EventSyncing, models.EventConflict}

	if !retry || attempts >= s.maxAttempts {
		if err := s.events.Transition(ctx, id, from, models.EventFailed, patch); err != nil {
			return err
		}
		metrics.EventsFailed.WithLabelValues("terminal").Inc()
		s.logger.Warn("event failed terminally",
			zap.String("event_id", id.String()),
			zap.String("device_id", event.DeviceID.String()),
			zap.Int("attempts", attempts))
		return nil
	}

	next := now.Add(s.Backoff(attempts))
	patch.NextAttemptAt = &next
	if err := s.events.Transition(ctx, id, from, models.EventPending, patch); err != nil {
		return err
	}
	metrics.EventsFailed.WithLabelValues("transient").Inc()
	return nil
}

func (s *QueueService) MarkConflict(ctx context.Context, id uuid.UUID) error {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.events.Transition(ctx, id,
		[]models.EventStatus{models.EventPending, models.EventSyncing},
		models.EventConflict,
		repositories.EventPatch{Attempts: event.Attempts, LastAttemptAt: &now})
}

// Backoff returns the wait before the next attempt after the given failure
// count, following the configured schedule and capped at its last step.
func (s *QueueService) Backoff(attempts int) time.Duration {
	if len(s.backoff) == 0 {
		return 0
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.backoff) {
		idx = len(s.backoff) - 1
	}
	return s.backoff[idx]
}

// SweepRetention deletes synced events older than the retention window,
// drops pending events past their expiry, and returns events stranded in
// syncing (a crash or failed status write after apply) to pending so the
// next tick retries them.
func (s *QueueService) SweepRetention(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	synced, err := s.events.DeleteSyncedBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}
	expired, err := s.events.DeleteExpired(ctx, now)
	if err != nil {
		return synced, err
	}

	requeued, err := s.events.RequeueStaleSyncing(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return synced + expired, err
	}
	if requeued > 0 {
		s.logger.Warn("requeued events stranded in syncing",
			zap.Int64("count", requeued))
	}

	if synced+expired > 0 {
		s.logger.Debug("queue retention sweep",
			zap.Int64("synced_deleted", synced),
			zap.Int64("expired_deleted", expired))
	}
	return synced + expired, nil
}
