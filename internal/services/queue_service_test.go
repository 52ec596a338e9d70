package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestQueueService_Enqueue_IdempotentOnSynced verifies that re-enqueuing
// the same logical event after it synced is a no-op returning the prior id.
func TestQueueService_Enqueue_IdempotentOnSynced(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	// ARRANGE: enqueue and drive the event to synced
	first := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	require.NoError(t, f.queue.MarkSyncing(ctx, first))
	require.NoError(t, f.queue.MarkSynced(ctx, first))

	// ACT: enqueue an identical payload again
	second := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)

	// ASSERT: same id, no new pending event
	assert.Equal(t, first, second)
	pending, err := f.queueRepo.CountPending(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestQueueService_Enqueue_DedupWhilePending(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)

	first := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	second := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)

	assert.Equal(t, first, second)
}

func TestQueueService_Enqueue_Validation(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, EnqueueRequest{
		DeviceID:   deviceID,
		EventType:  "",
		EntityType: "lead",
		Payload:    []byte(`{}`),
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.queue.Enqueue(ctx, EnqueueRequest{
		DeviceID:   deviceID,
		EventType:  "profile_update",
		EntityType: "lead",
		Payload:    []byte(`{}`),
		Priority:   11,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

// TestQueueService_Enqueue_IntegrityMismatch covers a resubmission with a
// known id but different content: rejected, never silently repaired.
func TestQueueService_Enqueue_IntegrityMismatch(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)

	_, err := f.queue.Enqueue(ctx, EnqueueRequest{
		EventID:    id,
		DeviceID:   deviceID,
		EventType:  "profile_update",
		EntityType: "lead",
		EntityID:   "lead-1",
		Payload:    []byte(`{"name":"tampered"}`),
	})
	assert.ErrorIs(t, err, ErrIntegrity)
}

// TestQueueService_DequeueBatch_Ordering verifies priority descending with
// oldest-first inside a tier, regardless of enqueue order.
func TestQueueService_DequeueBatch_Ordering(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	low := f.enqueue(t, deviceID, "analytics_ping", `{"n":1}`, 3)
	f.clock.Advance(time.Second)
	high := f.enqueue(t, deviceID, "purchase", `{"n":2}`, 9)
	f.clock.Advance(time.Second)
	lowLater := f.enqueue(t, deviceID, "analytics_ping", `{"n":3}`, 3)

	batch, err := f.queue.DequeueBatch(ctx, deviceID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	assert.Equal(t, high, batch[0].ID, "priority 9 goes first")
	assert.Equal(t, low, batch[1].ID, "oldest within the tier goes next")
	assert.Equal(t, lowLater, batch[2].ID)
}

// TestQueueService_Backoff_Monotonic walks the full retry ladder: waits
// follow the configured schedule and the event turns terminal exactly on
// the max-attempts-th failure.
func TestQueueService_Backoff_Monotonic(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)

	var lastWait time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		require.NoError(t, f.queue.MarkSyncing(ctx, id))
		require.NoError(t, f.queue.MarkFailed(ctx, id, true))

		event, err := f.queue.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, event.Attempts)

		if attempt < 5 {
			require.Equal(t, models.EventPending, event.Status)
			require.NotNil(t, event.NextAttemptAt)
			wait := event.NextAttemptAt.Sub(f.clock.Now())
			assert.Equal(t, testBackoff[attempt-1], wait)
			assert.GreaterOrEqual(t, wait, lastWait, "waits never decrease")
			lastWait = wait
			f.clock.Advance(wait)
		} else {
			assert.Equal(t, models.EventFailed, event.Status, "terminal on the 5th failure")
		}
	}
}

func TestQueueService_MarkFailed_NoRetryIsTerminal(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	require.NoError(t, f.queue.MarkSyncing(ctx, id))
	require.NoError(t, f.queue.MarkFailed(ctx, id, false))

	event, err := f.queue.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventFailed, event.Status)
}

// TestQueueService_BackoffExcludesFromDequeue ensures a backed-off event
// is not eligible until its wait elapses.
func TestQueueService_BackoffExcludesFromDequeue(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	require.NoError(t, f.queue.MarkSyncing(ctx, id))
	require.NoError(t, f.queue.MarkFailed(ctx, id, true))

	batch, err := f.queue.DequeueBatch(ctx, deviceID, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "still inside the backoff window")

	f.clock.Advance(time.Second)
	batch, err = f.queue.DequeueBatch(ctx, deviceID, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestQueueService_SweepRetention(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	require.NoError(t, f.queue.MarkSyncing(ctx, id))
	require.NoError(t, f.queue.MarkSynced(ctx, id))

	// Not old enough yet
	deleted, err := f.queue.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	f.clock.Advance(31 * 24 * time.Hour)
	deleted, err = f.queue.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

// TestQueueService_StaleSyncingRequeued: an event stuck in syncing (crash
// or failed status write after apply) must come back to pending on the
// retention sweep rather than stay invisible to dequeue forever.
func TestQueueService_StaleSyncingRequeued(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins) // stale window 5m
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	require.NoError(t, f.queue.MarkSyncing(ctx, id))

	// Invisible while syncing
	batch, err := f.queue.DequeueBatch(ctx, deviceID, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// Sweep within the stale window leaves it alone
	_, err = f.queue.SweepRetention(ctx)
	require.NoError(t, err)
	event, err := f.queue.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventSyncing, event.Status)

	// Past the window the sweep requeues it
	f.clock.Advance(6 * time.Minute)
	_, err = f.queue.SweepRetention(ctx)
	require.NoError(t, err)

	event, err = f.queue.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventPending, event.Status)

	batch, err = f.queue.DequeueBatch(ctx, deviceID, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
}

// contendedQueueRepo injects a rival insert with the same content hash
// between the service's dedup lookup and its own insert, standing in for
// a second producer racing on the same payload.
type contendedQueueRepo struct {
	repositories.QueueEventRepository
	winnerID uuid.UUID
}

func (r *contendedQueueRepo) Create(ctx context.Context, event *models.QueueEvent) error {
	if r.winnerID == uuid.Nil {
		rival := *event
		rival.ID = uuid.New()
		if err := r.QueueEventRepository.Create(ctx, &rival); err != nil {
			return err
		}
		r.winnerID = rival.ID
	}
	return r.QueueEventRepository.Create(ctx, event)
}

// TestQueueService_Enqueue_ConcurrentDuplicate drives two producers past
// the dedup lookup at once: the unique hash constraint rejects the loser's
// insert and the winner's id comes back, leaving a single queued row.
func TestQueueService_Enqueue_ConcurrentDuplicate(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	repo := &contendedQueueRepo{QueueEventRepository: f.queueRepo}
	queue := NewQueueService(repo, testBackoff, 5, 30*24*time.Hour, 5*time.Minute, f.clock, zap.NewNop())

	id, err := queue.Enqueue(ctx, EnqueueRequest{
		DeviceID:        deviceID,
		EventType:       "profile_update",
		EntityType:      "lead",
		EntityID:        "lead-1",
		Payload:         []byte(`{"name":"a"}`),
		Priority:        5,
		ClientTimestamp: f.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, repo.winnerID, id, "loser of the insert race must adopt the winner's id")

	pending, err := f.queueRepo.CountPending(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

// TestQueueService_DuplicateHashInsertRejected pins the storage guarantee
// behind the race handling: a second non-failed row with the same
// (device, content hash) cannot be created directly.
func TestQueueService_DuplicateHashInsertRejected(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := f.registerOnlineDevice(t)
	ctx := context.Background()

	id := f.enqueue(t, deviceID, "profile_update", `{"name":"a"}`, 5)
	original, err := f.queueRepo.GetByID(ctx, id)
	require.NoError(t, err)

	dup := *original
	dup.ID = uuid.New()
	err = f.queueRepo.Create(ctx, &dup)
	assert.ErrorIs(t, err, repositories.ErrDuplicateEvent)

	// A terminally failed row releases the hash for an explicit retry.
	require.NoError(t, f.queue.MarkSyncing(ctx, id))
	require.NoError(t, f.queue.MarkFailed(ctx, id, false))
	event, err := f.queue.GetEvent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.EventFailed, event.Status)

	retry := *original
	retry.ID = uuid.New()
	assert.NoError(t, f.queueRepo.Create(ctx, &retry))
}
