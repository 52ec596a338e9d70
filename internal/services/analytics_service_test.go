package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackReq(deviceID uuid.UUID, action string) TrackRequest {
	return TrackRequest{
		DeviceID:  deviceID,
		SessionID: "session-1",
		Category:  "ui",
		Action:    action,
	}
}

func TestAnalyticsService_TrackDedup(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	deviceID := uuid.New()

	req := trackReq(deviceID, "tap")
	req.ClientTimestamp = f.clock.Now()
	require.NoError(t, f.analytics.Track(req))
	require.NoError(t, f.analytics.Track(req), "duplicate is coalesced, not an error")
	assert.Equal(t, 1, f.analytics.Buffered())

	// A different timestamp is a different event
	req.ClientTimestamp = f.clock.Now().Add(time.Second)
	require.NoError(t, f.analytics.Track(req))
	assert.Equal(t, 2, f.analytics.Buffered())
}

func TestAnalyticsService_TrackValidation(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)

	err := f.analytics.Track(TrackRequest{Category: "ui", Action: "tap"})
	assert.ErrorIs(t, err, ErrValidation, "missing device")

	err = f.analytics.Track(TrackRequest{DeviceID: uuid.New(), Category: "ui"})
	assert.ErrorIs(t, err, ErrValidation, "missing action")
}

// At capacity the buffer drops its oldest event and keeps accepting.
func TestAnalyticsService_LossyAtCapacity(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins) // capacity 5
	deviceID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, f.analytics.Track(trackReq(deviceID, fmt.Sprintf("tap-%d", i))))
	}
	assert.Equal(t, 5, f.analytics.Buffered())

	flushed, err := f.analytics.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, flushed)

	// tap-0 was the overflow victim
	actions := make(map[string]bool)
	for _, e := range f.analRepo.All() {
		actions[e.Action] = true
	}
	assert.False(t, actions["tap-0"])
	assert.True(t, actions["tap-1"])
	assert.True(t, actions["tap-5"])
}

func TestAnalyticsService_FlushInBatches(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins) // batch size 2
	deviceID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.analytics.Track(trackReq(deviceID, fmt.Sprintf("tap-%d", i))))
	}

	flushed, err := f.analytics.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, flushed)
	assert.Equal(t, 0, f.analytics.Buffered())
	assert.Equal(t, 5, f.analRepo.Count())

	// A re-tracked event after flush is new again
	require.NoError(t, f.analytics.Track(trackReq(deviceID, "tap-0")))
	assert.Equal(t, 1, f.analytics.Buffered())
}

func TestAnalyticsService_Purge(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins) // retention 7d
	deviceID := uuid.New()
	ctx := context.Background()

	require.NoError(t, f.analytics.Track(trackReq(deviceID, "old")))
	_, err := f.analytics.Flush(ctx)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, f.analytics.Track(trackReq(deviceID, "recent")))
	_, err = f.analytics.Flush(ctx)
	require.NoError(t, err)

	purged, err := f.analytics.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, f.analRepo.Count())
}
