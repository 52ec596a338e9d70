package services

import (
	"context"
	"testing"

	"github.com/outpost-sync/outpost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) publish(t *testing.T, d models.EdgeModelDescriptor) {
	t.Helper()
	d.Active = true
	require.NoError(t, f.modelSvc.Publish(context.Background(), &d))
}

func TestModelService_PublishValidation(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()

	err := f.modelSvc.Publish(ctx, &models.EdgeModelDescriptor{Type: "lead_scorer"})
	assert.ErrorIs(t, err, ErrValidation, "missing id")

	err = f.modelSvc.Publish(ctx, &models.EdgeModelDescriptor{
		ID: "m1", Type: "lead_scorer", ExpectedAccuracy: 1.5,
	})
	assert.ErrorIs(t, err, ErrValidation, "accuracy out of range")

	err = f.modelSvc.Publish(ctx, &models.EdgeModelDescriptor{
		ID: "m1", Type: "lead_scorer",
		RequiredCaps: models.CapabilityVector{"ram_mb": -1},
	})
	assert.ErrorIs(t, err, ErrValidation, "negative capability minimum")
}

func TestModelService_CompatibilityFilter(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()

	f.publish(t, models.EdgeModelDescriptor{
		ID: "small", Type: "lead_scorer",
		RequiredCaps: models.CapabilityVector{"ram_mb": 512},
	})
	f.publish(t, models.EdgeModelDescriptor{
		ID: "large", Type: "lead_scorer",
		RequiredCaps: models.CapabilityVector{"ram_mb": 4096, "gpu": 1},
	})

	compatible, err := f.modelSvc.ListCompatible(ctx, models.CapabilityVector{"ram_mb": 1024})
	require.NoError(t, err)
	require.Len(t, compatible, 1)
	assert.Equal(t, "small", compatible[0].ID)

	// A deprecated model disappears even from capable devices
	require.NoError(t, f.modelSvc.Deprecate(ctx, "small"))
	compatible, err = f.modelSvc.ListCompatible(ctx, models.CapabilityVector{"ram_mb": 1024})
	require.NoError(t, err)
	assert.Empty(t, compatible)
}

// TestModelService_SelectBest: a fast low-accuracy model and a slow
// high-accuracy model flip rank with the preferSpeed flag.
func TestModelService_SelectBest(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()
	caps := models.CapabilityVector{"ram_mb": 8192}

	f.publish(t, models.EdgeModelDescriptor{
		ID: "fast", Type: "lead_scorer",
		RequiredCaps:       models.CapabilityVector{"ram_mb": 512},
		InferenceLatencyMS: 20,
		ExpectedAccuracy:   0.70,
	})
	f.publish(t, models.EdgeModelDescriptor{
		ID: "accurate", Type: "lead_scorer",
		RequiredCaps:       models.CapabilityVector{"ram_mb": 2048},
		InferenceLatencyMS: 900,
		ExpectedAccuracy:   0.95,
	})

	best, err := f.modelSvc.SelectBest(ctx, "lead_scorer", caps, true)
	require.NoError(t, err)
	assert.Equal(t, "fast", best.ID)

	best, err = f.modelSvc.SelectBest(ctx, "lead_scorer", caps, false)
	require.NoError(t, err)
	assert.Equal(t, "accurate", best.ID)
}

func TestModelService_SelectBestNoMatch(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()

	f.publish(t, models.EdgeModelDescriptor{
		ID: "gpu-only", Type: "lead_scorer",
		RequiredCaps: models.CapabilityVector{"gpu": 1},
	})

	// Incapable device
	_, err := f.modelSvc.SelectBest(ctx, "lead_scorer", models.CapabilityVector{"ram_mb": 512}, false)
	assert.ErrorIs(t, err, ErrNoCompatibleModel)

	// Capable device, wrong type
	_, err = f.modelSvc.SelectBest(ctx, "churn_predictor", models.CapabilityVector{"gpu": 1}, false)
	assert.ErrorIs(t, err, ErrNoCompatibleModel)
}

// Live telemetry overrides published expectations: a model that errors
// constantly loses to a published-worse but reliable one.
func TestModelService_TelemetryDemotesUnreliableModel(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()
	caps := models.CapabilityVector{"ram_mb": 8192}

	f.publish(t, models.EdgeModelDescriptor{
		ID: "shiny", Type: "lead_scorer",
		RequiredCaps:     models.CapabilityVector{"ram_mb": 512},
		ExpectedAccuracy: 0.95,
	})
	f.publish(t, models.EdgeModelDescriptor{
		ID: "steady", Type: "lead_scorer",
		RequiredCaps:     models.CapabilityVector{"ram_mb": 512},
		ExpectedAccuracy: 0.80,
	})

	for i := 0; i < 10; i++ {
		f.modelSvc.RecordOutcome("shiny", 50, nil, true) // every call fails
		f.modelSvc.RecordOutcome("steady", 50, nil, false)
	}

	best, err := f.modelSvc.SelectBest(ctx, "lead_scorer", caps, false)
	require.NoError(t, err)
	assert.Equal(t, "steady", best.ID)
}

func TestModelService_FlushStats(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	ctx := context.Background()

	acc := 0.9
	f.modelSvc.RecordOutcome("m1", 100, &acc, false)
	f.modelSvc.RecordOutcome("m1", 300, nil, true)

	require.NoError(t, f.modelSvc.FlushStats(ctx))

	stats, err := f.modelRepo.GetStats(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Samples)
	assert.InDelta(t, 200, stats.AvgLatencyMS, 1e-9)
	assert.InDelta(t, 0.9, stats.AvgAccuracy, 1e-9)
	assert.InDelta(t, 0.5, stats.ErrorRate, 1e-9)

	// Nothing dirty: second flush writes nothing new
	require.NoError(t, f.modelSvc.FlushStats(ctx))
	again, err := f.modelRepo.GetStats(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, stats.Samples, again.Samples)
}
