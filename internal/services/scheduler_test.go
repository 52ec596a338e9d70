package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (f *fixture) newScheduler() *Scheduler {
	return NewScheduler(
		f.engine, f.queue, f.cache, f.modelSvc, f.analytics, f.registry,
		30*time.Second, // sync interval (unused by Tick itself)
		time.Hour,      // retention cadence
		30*time.Second, // flush cadence
		f.clock, zap.NewNop(),
	)
}

func TestScheduler_TickSyncsDueDevices(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	sched := f.newScheduler()
	ctx := context.Background()

	online := f.registerOnlineDevice(t)
	idle := f.registerOnlineDevice(t)
	_ = idle // no queued events, must not be synced

	eventID := f.enqueue(t, online, "profile_update", `{"n":1}`, 5)

	var applyCalls atomic.Int32
	f.engine.RegisterHandler("profile_update", func(ctx context.Context, e *models.QueueEvent) ApplyResult {
		applyCalls.Add(1)
		return ApplyResult{Status: ApplyApplied}
	})

	sched.Tick(ctx)

	assert.Equal(t, int32(1), applyCalls.Load())
	event, err := f.queue.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventSynced, event.Status)
}

func TestScheduler_TickSkipsBackedOffEvents(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	sched := f.newScheduler()
	ctx := context.Background()

	deviceID := f.registerOnlineDevice(t)
	eventID := f.enqueue(t, deviceID, "flaky", `{"n":1}`, 5)

	var applyCalls atomic.Int32
	f.engine.RegisterHandler("flaky", func(ctx context.Context, e *models.QueueEvent) ApplyResult {
		applyCalls.Add(1)
		return ApplyResult{Status: ApplyTransient}
	})

	sched.Tick(ctx) // first attempt fails, schedules backoff
	assert.Equal(t, int32(1), applyCalls.Load())

	sched.Tick(ctx) // still inside the backoff window
	assert.Equal(t, int32(1), applyCalls.Load())

	f.clock.Advance(time.Second)
	sched.Tick(ctx)
	assert.Equal(t, int32(2), applyCalls.Load())

	event, err := f.queue.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, event.Attempts)
}

func TestScheduler_FlushCadence(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	sched := f.newScheduler()
	ctx := context.Background()

	require.NoError(t, f.analytics.Track(trackReq(uuid.New(), "tap-a")))
	sched.Tick(ctx) // first tick always flushes
	assert.Equal(t, 0, f.analytics.Buffered())
	assert.Equal(t, 1, f.analRepo.Count())

	require.NoError(t, f.analytics.Track(trackReq(uuid.New(), "tap-b")))
	f.clock.Advance(10 * time.Second)
	sched.Tick(ctx) // cadence not elapsed yet
	assert.Equal(t, 1, f.analytics.Buffered())

	f.clock.Advance(30 * time.Second)
	sched.Tick(ctx)
	assert.Equal(t, 0, f.analytics.Buffered())
	assert.Equal(t, 2, f.analRepo.Count())
}

func TestScheduler_SweepCadence(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	sched := f.newScheduler()
	ctx := context.Background()

	deviceID := f.registerDeviceWithQuota(t, 1000)
	key := models.CacheKey{DeviceID: deviceID, ContentType: "media", ContentID: "ttl"}
	_, err := f.cache.Put(ctx, CachePutRequest{
		DeviceID:    deviceID,
		ContentType: key.ContentType,
		ContentID:   key.ContentID,
		Payload:     []byte("payload"),
		TTL:         time.Minute,
	})
	require.NoError(t, err)

	sched.Tick(ctx) // entry still live

	f.clock.Advance(2 * time.Minute)
	sched.Tick(ctx) // cadence not elapsed; expired entry lingers

	f.clock.Advance(time.Hour)
	sched.Tick(ctx)

	used, err := f.cacheRepo.UsedBytes(ctx, deviceID)
	require.NoError(t, err)
	assert.Zero(t, used, "expired entry swept on the retention cadence")
}
