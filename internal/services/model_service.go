package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"go.uber.org/zap"
)

// Scoring weights. preferSpeed biases toward latency; otherwise accuracy
// dominates. Reliability (1 - observed error rate) always contributes.
const (
	speedWeightLatency     = 0.5
	speedWeightAccuracy    = 0.3
	speedWeightReliability = 0.2

	accuracyWeightLatency     = 0.2
	accuracyWeightAccuracy    = 0.5
	accuracyWeightReliability = 0.3
)

// runningStats accumulates outcomes in memory between periodic flushes so
// scoring reflects live telemetry without a write per inference.
type runningStats struct {
	latencySum  float64
	accuracySum float64
	accuracyN   int64
	errorCount  int64
	samples     int64
	dirty       bool
}

type ModelService struct {
	models repositories.ModelRepository
	clock  Clock
	logger *zap.Logger

	mu    sync.Mutex
	stats map[string]*runningStats
}

func NewModelService(repo repositories.ModelRepository, clock Clock, logger *zap.Logger) *ModelService {
	return &ModelService{
		models: repo,
		clock:  clock,
		logger: logger,
		stats:  make(map[string]*runningStats),
	}
}

// Publish registers a new deployable model descriptor.
func (s *ModelService) Publish(ctx context.Context, d *models.EdgeModelDescriptor) error {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("%w: model id and type are required", ErrValidation)
	}
	if err := d.RequiredCaps.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if d.ExpectedAccuracy < 0 || d.ExpectedAccuracy > 1 {
		return fmt.Errorf("%w: expected accuracy must be in [0,1]", ErrValidation)
	}
	return s.models.Publish(ctx, d)
}

func (s *ModelService) Deprecate(ctx context.Context, id string) error {
	return s.models.SetDeprecated(ctx, id, true)
}

// ListCompatible filters active descriptors by the device's capability
// vector: every required flag must be present and meet its minimum.
func (s *ModelService) ListCompatible(ctx context.Context, caps models.CapabilityVector) ([]*models.EdgeModelDescriptor, error) {
	active, err := s.models.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var compatible []*models.EdgeModelDescriptor
	for _, d := range active {
		if caps.Meets(d.RequiredCaps) {
			compatible = append(compatible, d)
		}
	}
	return compatible, nil
}

// SelectBest scores every compatible descriptor of the given type and
// returns the highest. ErrNoCompatibleModel when none qualifies; callers
// fall back to a non-model path.
func (s *ModelService) SelectBest(ctx context.Context, modelType string, caps models.CapabilityVector, preferSpeed bool) (*models.EdgeModelDescriptor, error) {
	compatible, err := s.ListCompatible(ctx, caps)
	if err != nil {
		return nil, err
	}

	var best *models.EdgeModelDescriptor
	bestScore := -1.0
	for _, d := range compatible {
		if d.Type != modelType {
			continue
		}
		score := s.score(d, preferSpeed)
		if score > bestScore {
			best = d
			bestScore = score
		}
	}
	if best == nil {
		return nil, ErrNoCompatibleModel
	}
	return best, nil
}

func (s *ModelService) score(d *models.EdgeModelDescriptor, preferSpeed bool) float64 {
	latency := d.LoadLatencyMS + d.InferenceLatencyMS
	accuracy := d.ExpectedAccuracy
	reliability := 1.0

	s.mu.Lock()
	if rs, ok := s.stats[d.ID]; ok && rs.samples > 0 {
		latency = rs.latencySum / float64(rs.samples)
		reliability = 1 - float64(rs.errorCount)/float64(rs.samples)
		if rs.accuracyN > 0 {
			accuracy = rs.accuracySum / float64(rs.accuracyN)
		}
	}
	s.mu.Unlock()

	invLatency := 1 / (1 + latency/1000)

	if preferSpeed {
		return speedWeightLatency*invLatency + speedWeightAccuracy*accuracy + speedWeightReliability*reliability
	}
	return accuracyWeightLatency*invLatency + accuracyWeightAccuracy*accuracy + accuracyWeightReliability*reliability
}

// RecordOutcome folds one observed inference into the running averages.
// accuracy is optional (nil when the caller has no ground truth). The
// averages persist on the next periodic flush, not per call.
func (s *ModelService) RecordOutcome(modelID string, latencyMS float64, accuracy *float64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.stats[modelID]
	if !ok {
		rs = &runningStats{}
		s.stats[modelID] = rs
	}
	rs.samples++
	rs.latencySum += latencyMS
	if accuracy != nil {
		rs.accuracySum += *accuracy
		rs.accuracyN++
	}
	if failed {
		rs.errorCount++
	}
	rs.dirty = true
}

// FlushStats persists all dirty running averages in one batch. Called by
// the scheduler on its flush cadence.
func (s *ModelService) FlushStats(ctx context.Context) error {
	s.mu.Lock()
	var batch []*models.ModelStats
	for id, rs := range s.stats {
		if !rs.dirty || rs.samples == 0 {
			continue
		}
		stat := &models.ModelStats{
			ModelID:      id,
			AvgLatencyMS: rs.latencySum / float64(rs.samples),
			ErrorRate:    float64(rs.errorCount) / float64(rs.samples),
			Samples:      rs.samples,
		}
		if rs.accuracyN > 0 {
			stat.AvgAccuracy = rs.accuracySum / float64(rs.accuracyN)
		}
		batch = append(batch, stat)
		rs.dirty = false
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.models.UpsertStats(ctx, batch); err != nil {
		// Re-mark dirty so the next flush retries
		s.mu.Lock()
		for _, stat := range batch {
			if rs, ok := s.stats[stat.ModelID]; ok {
				rs.dirty = true
			}
		}
		s.mu.Unlock()
		return err
	}

	s.logger.Debug("model stats flushed", zap.Int("models", len(batch)))
	return nil
}
