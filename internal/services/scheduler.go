package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentSyncs = 8

// Scheduler drives the periodic work: per-device sync fan-out plus the
// slower maintenance sweeps. Tick is a pure function of the injected
// clock and queue state so tests never sleep.
type Scheduler struct {
	engine    *SyncEngine
	queue     *QueueService
	cache     *CacheService
	modelsSvc *ModelService
	analytics *AnalyticsService
	registry  *RegistryService

	syncInterval      time.Duration
	retentionInterval time.Duration
	flushInterval     time.Duration

	clock  Clock
	logger *zap.Logger

	lastRetention time.Time
	lastFlush     time.Time
}

func NewScheduler(
	engine *SyncEngine,
	queue *QueueService,
	cache *CacheService,
	modelsSvc *ModelService,
	analytics *AnalyticsService,
	registry *RegistryService,
	syncInterval time.Duration,
	retentionInterval time.Duration,
	flushInterval time.Duration,
	clock Clock,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		engine:            engine,
		queue:             queue,
		cache:             cache,
		modelsSvc:         modelsSvc,
		analytics:         analytics,
		registry:          registry,
		syncInterval:      syncInterval,
		retentionInterval: retentionInterval,
		flushInterval:     flushInterval,
		clock:             clock,
		logger:            logger,
	}
}

// Run blocks until the context is canceled, ticking on the sync interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: sync every device with eligible pending
// events, then any maintenance whose cadence has elapsed.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.syncDueDevices(ctx, now)

	if now.Sub(s.lastFlush) >= s.flushInterval {
		s.lastFlush = now
		s.flush(ctx)
	}
	if now.Sub(s.lastRetention) >= s.retentionInterval {
		s.lastRetention = now
		s.sweep(ctx)
	}
}

func (s *Scheduler) syncDueDevices(ctx context.Context, now time.Time) {
	deviceIDs, err := s.queue.events.DevicesWithEligible(ctx, now)
	if err != nil {
		// Store unavailable: abort this tick, the next one retries.
		s.logger.Error("failed to enumerate due devices", zap.Error(err))
		return
	}
	if len(deviceIDs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSyncs)
	for _, id := range deviceIDs {
		deviceID := id
		g.Go(func() error {
			_, err := s.engine.SyncDevice(gctx, deviceID)
			// Busy and offline devices are expected; skip them quietly.
			if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrDeviceOffline) {
				s.logger.Warn("scheduled sync failed",
					zap.String("device_id", deviceID.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) flush(ctx context.Context) {
	if err := s.modelsSvc.FlushStats(ctx); err != nil {
		s.logger.Warn("model stats flush failed", zap.Error(err))
	}
	if _, err := s.analytics.Flush(ctx); err != nil {
		s.logger.Warn("analytics flush failed", zap.Error(err))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if _, err := s.queue.SweepRetention(ctx); err != nil {
		s.logger.Warn("queue retention sweep failed", zap.Error(err))
	}
	if _, err := s.cache.SweepExpired(ctx); err != nil {
		s.logger.Warn("cache expiry sweep failed", zap.Error(err))
	}
	if _, err := s.analytics.Purge(ctx); err != nil {
		s.logger.Warn("analytics purge failed", zap.Error(err))
	}
	if _, err := s.registry.RetireInactive(ctx); err != nil {
		s.logger.Warn("device retirement sweep failed", zap.Error(err))
	}
}

// TriggerDevice exposes the engine's non-blocking trigger for callers that
// hold only the scheduler.
func (s *Scheduler) TriggerDevice(deviceID uuid.UUID) {
	s.engine.Trigger(deviceID)
}
