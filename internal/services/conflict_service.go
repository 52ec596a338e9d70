package services

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/metrics"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"go.uber.org/zap"
)

// Snapshot metadata keys. The server snapshot carries its entity-level
// timestamp under entityTimestampKey; the local snapshot may carry
// per-field timestamps under fieldTimestampsKey. Both are stripped from
// merged results.
const (
	entityTimestampKey = "_ts"
	fieldTimestampsKey = "_field_ts"
)

type ConflictService struct {
	conflicts repositories.ConflictRepository
	highValue map[string]bool
	clock     Clock
	logger    *zap.Logger
}

func NewConflictService(
	conflicts repositories.ConflictRepository,
	highValueFields []string,
	clock Clock,
	logger *zap.Logger,
) *ConflictService {
	highValue := make(map[string]bool, len(highValueFields))
	for _, f := range highValueFields {
		highValue[f] = true
	}
	return &ConflictService{
		conflicts: conflicts,
		highValue: highValue,
		clock:     clock,
		logger:    logger,
	}
}

// Detect records a divergence reported by an apply handler and classifies
// its severity. High-value divergence always forces severity high.
func (s *ConflictService) Detect(ctx context.Context, event *models.QueueEvent, local, server json.RawMessage) (*models.Conflict, error) {
	conflict := &models.Conflict{
		ID:             uuid.New(),
		DeviceID:       event.DeviceID,
		EventID:        event.ID,
		EntityType:     event.EntityType,
		EntityID:       event.EntityID,
		LocalSnapshot:  local,
		ServerSnapshot: server,
		Severity:       s.classify(local, server),
		DetectedAt:     s.clock.Now(),
	}
	if err := s.conflicts.Create(ctx, conflict); err != nil {
		return nil, err
	}
	metrics.ConflictsDetected.Inc()
	return conflict, nil
}

// Resolve applies the strategy and finalizes the conflict. Manual leaves it
// unresolved for an external decision and is excluded from auto-resolved
// counts. Resolution is deterministic: the same snapshots and strategy
// always produce the same merged result.
func (s *ConflictService) Resolve(ctx context.Context, conflict *models.Conflict, strategy models.ResolutionStrategy, automatic bool) (*models.Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if conflict.Resolved() {
		return nil, ErrConflictResolved
	}

	if strategy == models.StrategyManual {
		conflict.Strategy = models.StrategyManual
		s.logger.Info("conflict held for manual resolution",
			zap.String("conflict_id", conflict.ID.String()),
			zap.String("entity", conflict.EntityType+"/"+conflict.EntityID),
			zap.String("severity", string(conflict.Severity)))
		return conflict, nil
	}

	var merged json.RawMessage
	var err error
	switch strategy {
	case models.StrategyServerWins:
		merged = conflict.ServerSnapshot
	case models.StrategyLocalWins:
		merged = conflict.LocalSnapshot
	case models.StrategyMerge:
		merged, err = mergeSnapshots(conflict.LocalSnapshot, conflict.ServerSnapshot)
		if err != nil {
			return nil, fmt.Errorf("merge failed: %w", err)
		}
	}

	now := s.clock.Now()
	conflict.Strategy = strategy
	conflict.MergedResult = merged
	conflict.AutoResolved = automatic
	conflict.ResolvedAt = &now

	if err := s.conflicts.MarkResolved(ctx, conflict); err != nil {
		return nil, err
	}
	if automatic {
		metrics.ConflictsAutoResolved.Inc()
	}

	// Audit trail: strategy, both snapshots, and whether a human was involved.
	s.logger.Info("conflict resolved",
		zap.String("conflict_id", conflict.ID.String()),
		zap.String("entity", conflict.EntityType+"/"+conflict.EntityID),
		zap.String("strategy", string(strategy)),
		zap.Bool("auto", automatic),
		zap.String("severity", string(conflict.Severity)),
		zap.ByteString("local", conflict.LocalSnapshot),
		zap.ByteString("server", conflict.ServerSnapshot),
		zap.ByteString("merged", merged))
	return conflict, nil
}

// ResolveByID is the external resolution path for conflicts held manual.
func (s *ConflictService) ResolveByID(ctx context.Context, id uuid.UUID, strategy models.ResolutionStrategy) (*models.Conflict, error) {
	conflict, err := s.conflicts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, conflict, strategy, false)
}

func (s *ConflictService) ListUnresolved(ctx context.Context, deviceID uuid.UUID) ([]*models.Conflict, error) {
	return s.conflicts.ListUnresolved(ctx, deviceID)
}

// mergeSnapshots performs a field-level union. Fields present in both take
// the server value unless the local per-field timestamp is strictly newer
// than the server's entity-level timestamp; equal timestamps go to the
// server. Fields only one side has are kept.
func mergeSnapshots(local, server json.RawMessage) (json.RawMessage, error) {
	var localFields, serverFields map[string]any
	if err := json.Unmarshal(local, &localFields); err != nil {
		return nil, fmt.Errorf("invalid local snapshot: %w", err)
	}
	if err := json.Unmarshal(server, &serverFields); err != nil {
		return nil, fmt.Errorf("invalid server snapshot: %w", err)
	}

	serverTS := snapshotTimestamp(serverFields)
	fieldTS := localFieldTimestamps(localFields)

	result := make(map[string]any, len(serverFields)+len(localFields))
	for k, v := range serverFields {
		if k == entityTimestampKey || k == fieldTimestampsKey {
			continue
		}
		result[k] = v
	}
	for k, v := range localFields {
		if k == entityTimestampKey || k == fieldTimestampsKey {
			continue
		}
		if _, onServer := serverFields[k]; !onServer {
			result[k] = v
			continue
		}
		if ts, ok := fieldTS[k]; ok && ts.After(serverTS) {
			result[k] = v
		}
	}

	return json.Marshal(result)
}

func snapshotTimestamp(fields map[string]any) time.Time {
	raw, ok := fields[entityTimestampKey].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func localFieldTimestamps(fields map[string]any) map[string]time.Time {
	raw, ok := fields[fieldTimestampsKey].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]time.Time, len(raw))
	for field, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, str); err == nil {
			out[field] = ts
		}
	}
	return out
}

// classify grades a divergence by how many fields differ; any differing
// high-value field forces severity high regardless of count.
func (s *ConflictService) classify(local, server json.RawMessage) models.ConflictSeverity {
	var localFields, serverFields map[string]any
	if json.Unmarshal(local, &localFields) != nil || json.Unmarshal(server, &serverFields) != nil {
		// Unparseable snapshots cannot be merged safely
		return models.SeverityHigh
	}

	differing := 0
	highValueHit := false
	seen := make(map[string]bool)
	for k, lv := range localFields {
		if k == entityTimestampKey || k == fieldTimestampsKey {
			continue
		}
		seen[k] = true
		sv, onServer := serverFields[k]
		if !onServer || !reflect.DeepEqual(lv, sv) {
			differing++
			if s.highValue[k] {
				highValueHit = true
			}
		}
	}
	for k := range serverFields {
		if k == entityTimestampKey || k == fieldTimestampsKey || seen[k] {
			continue
		}
		differing++
		if s.highValue[k] {
			highValueHit = true
		}
	}

	switch {
	case highValueHit:
		return models.SeverityHigh
	case differing >= 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
