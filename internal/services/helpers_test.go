package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock lets tests move time explicitly instead of sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testBackoff = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second}

// fixture wires every service onto in-memory repositories.
type fixture struct {
	clock     *fakeClock
	devices   *repositories.MemoryDeviceRepository
	queueRepo *repositories.MemoryQueueEventRepository
	conflicts *repositories.MemoryConflictRepository
	cacheRepo *repositories.MemoryCacheRepository
	modelRepo *repositories.MemoryModelRepository
	analRepo  *repositories.MemoryAnalyticsRepository
	presence  *repositories.MemoryPresenceRepository

	queue     *QueueService
	resolver  *ConflictService
	registry  *RegistryService
	cache     *CacheService
	modelSvc  *ModelService
	analytics *AnalyticsService
	engine    *SyncEngine
}

func newFixture(t *testing.T, defaultStrategy models.ResolutionStrategy) *fixture {
	t.Helper()

	logger := zap.NewNop()
	clock := newFakeClock()

	f := &fixture{
		clock:     clock,
		devices:   repositories.NewMemoryDeviceRepository(),
		queueRepo: repositories.NewMemoryQueueEventRepository(),
		conflicts: repositories.NewMemoryConflictRepository(),
		cacheRepo: repositories.NewMemoryCacheRepository(),
		modelRepo: repositories.NewMemoryModelRepository(),
		analRepo:  repositories.NewMemoryAnalyticsRepository(),
		presence:  repositories.NewMemoryPresenceRepository(),
	}

	f.queue = NewQueueService(f.queueRepo, testBackoff, 5, 30*24*time.Hour, 5*time.Minute, clock, logger)
	f.resolver = NewConflictService(f.conflicts, []string{"email", "balance"}, clock, logger)
	f.registry = NewRegistryService(f.devices, f.presence, f.queueRepo, 90*24*time.Hour, clock, logger)
	f.cache = NewCacheService(f.cacheRepo, f.devices, clock, logger)
	f.modelSvc = NewModelService(f.modelRepo, clock, logger)
	f.analytics = NewAnalyticsService(f.analRepo, 5, 2, 7*24*time.Hour, clock, logger)
	f.engine = NewSyncEngine(f.queue, f.devices, f.presence, f.resolver, 50, 5*time.Second, defaultStrategy, clock, logger)

	return f
}

// registerOnlineDevice registers a device with sane defaults and brings it
// online.
func (f *fixture) registerOnlineDevice(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	id, err := f.registry.Register(ctx, Registration{
		Capabilities: models.CapabilityVector{"background-workers": 1},
		QuotaBytes:   1 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.SetOnline(ctx, id, true))
	return id
}

func (f *fixture) enqueue(t *testing.T, deviceID uuid.UUID, eventType string, payload string, priority int) uuid.UUID {
	t.Helper()

	id, err := f.queue.Enqueue(context.Background(), EnqueueRequest{
		DeviceID:   deviceID,
		EventType:  eventType,
		EntityType: "lead",
		EntityID:   "lead-1",
		Payload:    []byte(payload),
		Priority:   priority,
	})
	require.NoError(t, err)
	return id
}
