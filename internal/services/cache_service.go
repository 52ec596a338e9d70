package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/metrics"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"go.uber.org/zap"
)

type CacheService struct {
	cache   repositories.CacheRepository
	devices repositories.DeviceRepository
	clock   Clock
	logger  *zap.Logger
}

func NewCacheService(
	cache repositories.CacheRepository,
	devices repositories.DeviceRepository,
	clock Clock,
	logger *zap.Logger,
) *CacheService {
	return &CacheService{cache: cache, devices: devices, clock: clock, logger: logger}
}

type CachePutRequest struct {
	DeviceID      uuid.UUID
	ContentType   string
	ContentID     string
	Payload       []byte
	Priority      int // 0 means default
	SourceVersion int64
	TTL           time.Duration // 0 means no expiry
}

// Put stores an artifact, evicting lowest-scoring entries until the device
// is back under quota. Eviction order: lowest priority, then least
// recently accessed, then lowest access frequency.
func (s *CacheService) Put(ctx context.Context, req CachePutRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.ContentType) == "" || strings.TrimSpace(req.ContentID) == "" {
		return uuid.Nil, fmt.Errorf("%w: content type and id are required", ErrValidation)
	}
	if len(req.Payload) == 0 {
		return uuid.Nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if req.Priority != 0 && (req.Priority < models.MinPriority || req.Priority > models.MaxPriority) {
		return uuid.Nil, fmt.Errorf("%w: priority must be between %d and %d", ErrValidation, models.MinPriority, models.MaxPriority)
	}

	device, err := s.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		return uuid.Nil, err
	}

	size := int64(len(req.Payload))
	if size > device.QuotaBytes {
		return uuid.Nil, fmt.Errorf("%w: payload of %d bytes exceeds device quota %d", ErrValidation, size, device.QuotaBytes)
	}

	key := models.CacheKey{DeviceID: req.DeviceID, ContentType: req.ContentType, ContentID: req.ContentID}

	// Replacing an existing entry frees its bytes first. The old entry is
	// removed before the eviction loop so it can never be picked as a
	// victim and have its size counted twice.
	if existing, err := s.cache.Get(ctx, key); err == nil {
		if err := s.cache.Delete(ctx, existing.Key); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return uuid.Nil, err
		}
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return uuid.Nil, err
	}

	used, err := s.cache.UsedBytes(ctx, req.DeviceID)
	if err != nil {
		return uuid.Nil, err
	}

	for used+size > device.QuotaBytes {
		victim, err := s.cache.EvictLowest(ctx, req.DeviceID)
		if errors.Is(err, repositories.ErrNotFound) {
			break
		}
		if err != nil {
			return uuid.Nil, err
		}
		used -= victim.SizeBytes
		metrics.CacheEvictions.Inc()
		s.logger.Debug("cache entry evicted",
			zap.String("device_id", req.DeviceID.String()),
			zap.String("content", victim.Key.ContentType+"/"+victim.Key.ContentID),
			zap.Int("priority", victim.Priority))
	}

	now := s.clock.Now()
	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}

	entry := &models.CacheEntry{
		ID:             uuid.New(),
		Key:            key,
		Payload:        req.Payload,
		SizeBytes:      size,
		Priority:       priority,
		LastAccessedAt: now,
		SourceVersion:  req.SourceVersion,
		LocalVersion:   req.SourceVersion,
	}
	if req.TTL > 0 {
		expires := now.Add(req.TTL)
		entry.ExpiresAt = &expires
	}

	if err := s.cache.Upsert(ctx, entry); err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

// Get refreshes recency and frequency and flags the entry stale when its
// local version lags the caller-supplied latest source version (0 means
// the caller does not know one). An expired entry is a miss.
func (s *CacheService) Get(ctx context.Context, key models.CacheKey, latestSourceVersion int64) (*models.CacheEntry, error) {
	entry, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
		return nil, repositories.ErrNotFound
	}

	stale := latestSourceVersion > 0 && entry.LocalVersion < latestSourceVersion
	if err := s.cache.Touch(ctx, entry.ID, now, stale); err != nil {
		return nil, err
	}

	entry.LastAccessedAt = now
	entry.AccessCount++
	entry.Stale = stale
	return entry, nil
}

// SweepExpired removes entries past expiry unconditionally, independent of
// capacity pressure.
func (s *CacheService) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := s.cache.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Debug("cache expiry sweep", zap.Int64("removed", removed))
	}
	return removed, nil
}
