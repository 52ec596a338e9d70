package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/metrics"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/outpost-sync/outpost/internal/utils"
	"go.uber.org/zap"
)

// AnalyticsService buffers telemetry in memory and flushes it in batches.
// Unlike the sync queue it is lossy-tolerant: at capacity the oldest
// buffered event is dropped and counted, never blocking the caller.
type AnalyticsService struct {
	repo      repositories.AnalyticsRepository
	capacity  int
	batchSize int
	retention time.Duration
	clock     Clock
	logger    *zap.Logger

	mu     sync.Mutex
	buffer []*models.AnalyticsEvent
	seen   map[string]bool
}

func NewAnalyticsService(
	repo repositories.AnalyticsRepository,
	capacity int,
	batchSize int,
	retention time.Duration,
	clock Clock,
	logger *zap.Logger,
) *AnalyticsService {
	return &AnalyticsService{
		repo:      repo,
		capacity:  capacity,
		batchSize: batchSize,
		retention: retention,
		clock:     clock,
		logger:    logger,
		seen:      make(map[string]bool),
	}
}

type TrackRequest struct {
	DeviceID        uuid.UUID
	SessionID       string
	Category        string
	Action          string
	Label           string
	Value           float64
	ClientTimestamp time.Time
}

// Track buffers one telemetry event. Duplicates (same device, session and
// payload) already buffered are silently coalesced.
func (s *AnalyticsService) Track(req TrackRequest) error {
	if req.DeviceID == uuid.Nil {
		return fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Category) == "" || strings.TrimSpace(req.Action) == "" {
		return fmt.Errorf("%w: category and action are required", ErrValidation)
	}

	ts := req.ClientTimestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	hash := utils.ContentHash(
		[]byte(req.DeviceID.String()),
		[]byte(req.SessionID),
		[]byte(req.Category),
		[]byte(req.Action),
		[]byte(req.Label),
		[]byte(strconv.FormatFloat(req.Value, 'g', -1, 64)),
		[]byte(ts.UTC().Format(time.RFC3339Nano)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[hash] {
		return nil
	}
	if len(s.buffer) >= s.capacity {
		dropped := s.buffer[0]
		s.buffer = s.buffer[1:]
		delete(s.seen, dropped.DedupHash)
		metrics.AnalyticsDropped.Inc()
	}

	s.buffer = append(s.buffer, &models.AnalyticsEvent{
		ID:              uuid.New(),
		DeviceID:        req.DeviceID,
		SessionID:       req.SessionID,
		Category:        req.Category,
		Action:          req.Action,
		Label:           req.Label,
		Value:           req.Value,
		ClientTimestamp: ts,
		DedupHash:       hash,
		CreatedAt:       s.clock.Now(),
	})
	s.seen[hash] = true
	return nil
}

// Flush delivers buffered events in batches. On a store failure the
// undelivered remainder stays buffered for the next flush.
func (s *AnalyticsService) Flush(ctx context.Context) (int, error) {
	flushed := 0
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.mu.Unlock()
			return flushed, nil
		}
		n := s.batchSize
		if n > len(s.buffer) {
			n = len(s.buffer)
		}
		batch := make([]*models.AnalyticsEvent, n)
		copy(batch, s.buffer[:n])
		s.mu.Unlock()

		batchID := uuid.New()
		if err := s.repo.InsertBatch(ctx, batchID, batch); err != nil {
			s.logger.Warn("analytics flush failed, batch retained",
				zap.String("batch_id", batchID.String()),
				zap.Int("size", n),
				zap.Error(err))
			return flushed, err
		}

		s.mu.Lock()
		// Remove exactly the delivered events; new ones may have arrived.
		delivered := make(map[string]bool, n)
		for _, e := range batch {
			delivered[e.DedupHash] = true
			delete(s.seen, e.DedupHash)
		}
		remaining := s.buffer[:0]
		for _, e := range s.buffer {
			if !delivered[e.DedupHash] {
				remaining = append(remaining, e)
			}
		}
		s.buffer = remaining
		s.mu.Unlock()

		flushed += n
	}
}

// Purge removes delivered events past the retention window.
func (s *AnalyticsService) Purge(ctx context.Context) (int64, error) {
	return s.repo.DeleteBefore(ctx, s.clock.Now().Add(-s.retention))
}

// Buffered reports the current buffer depth.
func (s *AnalyticsService) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
