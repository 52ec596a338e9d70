package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/metrics"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"go.uber.org/zap"
)

type ApplyStatus string

const (
	ApplyApplied   ApplyStatus = "applied"
	ApplyDiverged  ApplyStatus = "diverged"
	ApplyTransient ApplyStatus = "transient_error"
	ApplyPermanent ApplyStatus = "permanent_error"
)

// ApplyResult is what a business apply handler reports for one event.
// Diverged carries both snapshots for the resolver.
type ApplyResult struct {
	Status         ApplyStatus
	LocalSnapshot  json.RawMessage
	ServerSnapshot json.RawMessage
	Err            error
}

// ApplyFunc applies one event to the server-side system of record. The
// payload is opaque to the engine; handlers interpret it.
type ApplyFunc func(ctx context.Context, event *models.QueueEvent) ApplyResult

// SyncReport summarizes one sync cycle.
type SyncReport struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

type SyncEngine struct {
	queue           *QueueService
	devices         repositories.DeviceRepository
	presence        repositories.PresenceRepository
	resolver        *ConflictService
	batchSize       int
	applyTimeout    time.Duration
	defaultStrategy models.ResolutionStrategy
	clock           Clock
	logger          *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]ApplyFunc

	// Per-device in-flight guard: overlapping triggers collapse into the
	// one active cycle.
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}
}

func NewSyncEngine(
	queue *QueueService,
	devices repositories.DeviceRepository,
	presence repositories.PresenceRepository,
	resolver *ConflictService,
	batchSize int,
	applyTimeout time.Duration,
	defaultStrategy models.ResolutionStrategy,
	clock Clock,
	logger *zap.Logger,
) *SyncEngine {
	return &SyncEngine{
		queue:           queue,
		devices:         devices,
		presence:        presence,
		resolver:        resolver,
		batchSize:       batchSize,
		applyTimeout:    applyTimeout,
		defaultStrategy: defaultStrategy,
		clock:           clock,
		logger:          logger,
		handlers:        make(map[string]ApplyFunc),
		inflight:        make(map[uuid.UUID]struct{}),
	}
}

// RegisterHandler binds an apply handler to an event type. Called at
// startup; an event with no handler fails permanently.
func (e *SyncEngine) RegisterHandler(eventType string, fn ApplyFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[eventType] = fn
}

func (e *SyncEngine) handler(eventType string) (ApplyFunc, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	fn, ok := e.handlers[eventType]
	return fn, ok
}

func (e *SyncEngine) acquire(deviceID uuid.UUID) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[deviceID]; busy {
		return false
	}
	e.inflight[deviceID] = struct{}{}
	return true
}

func (e *SyncEngine) release(deviceID uuid.UUID) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, deviceID)
}

// Trigger schedules an immediate sync attempt without blocking the caller.
// Used as the registry's online-transition hook.
func (e *SyncEngine) Trigger(deviceID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := e.SyncDevice(ctx, deviceID); err != nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrDeviceOffline) {
			e.logger.Warn("triggered sync failed",
				zap.String("device_id", deviceID.String()), zap.Error(err))
		}
	}()
}

// SyncDevice runs one sync cycle for the device. A second caller while one
// is active gets ErrSyncInProgress and no side effects. Per-event failures
// are isolated; only store-level failures abort the cycle.
func (e *SyncEngine) SyncDevice(ctx context.Context, deviceID uuid.UUID) (SyncReport, error) {
	var report SyncReport

	if !e.acquire(deviceID) {
		return report, ErrSyncInProgress
	}
	defer e.release(deviceID)

	device, err := e.devices.GetByID(ctx, deviceID)
	if err != nil {
		return report, err
	}

	online, err := e.presence.IsOnline(ctx, deviceID)
	if err != nil {
		return report, err
	}
	if !online {
		return report, ErrDeviceOffline
	}

	start := e.clock.Now()
	batch, err := e.queue.DequeueBatch(ctx, deviceID, e.batchSize)
	if err != nil {
		return report, err
	}

	for _, event := range batch {
		if ctx.Err() != nil {
			break
		}
		e.processEvent(ctx, event, &report)
	}

	consecutive := device.ConsecutiveErrors
	switch {
	case report.Synced > 0:
		consecutive = 0
	case report.Failed > 0:
		consecutive++
	}
	if err := e.devices.UpdateSyncStats(ctx, deviceID, e.clock.Now(), consecutive); err != nil {
		e.logger.Warn("failed to update device sync stats",
			zap.String("device_id", deviceID.String()), zap.Error(err))
	}

	metrics.SyncCycleDuration.Observe(e.clock.Now().Sub(start).Seconds())
	if len(batch) > 0 {
		e.logger.Info("sync cycle complete",
			zap.String("device_id", deviceID.String()),
			zap.Int("batch", len(batch)),
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed),
			zap.Int("conflicts", report.Conflicts))
	}
	return report, nil
}

// processEvent drives one event through the status machine. Errors here
// never abort sibling events.
func (e *SyncEngine) processEvent(ctx context.Context, event *models.QueueEvent, report *SyncReport) {
	if err := e.queue.MarkSyncing(ctx, event.ID); err != nil {
		// Another path already owns this event
		if !errors.Is(err, repositories.ErrStatusConflict) {
			e.logger.Warn("failed to mark event syncing",
				zap.String("event_id", event.ID.String()), zap.Error(err))
		}
		return
	}

	result := e.apply(ctx, event)
	switch result.Status {
	case ApplyApplied:
		if err := e.queue.MarkSynced(ctx, event.ID); err == nil {
			report.Synced++
			metrics.EventsSynced.Inc()
		}

	case ApplyDiverged:
		report.Conflicts++
		e.handleDivergence(ctx, event, result, report)

	case ApplyTransient:
		if err := e.queue.MarkFailed(ctx, event.ID, true); err == nil {
			report.Failed++
		}

	default:
		if result.Err != nil {
			e.logger.Warn("apply handler reported permanent failure",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Error(result.Err))
		}
		if err := e.queue.MarkFailed(ctx, event.ID, false); err == nil {
			report.Failed++
		}
	}
}

// handleDivergence creates the Conflict record, resolves it with the
// default strategy, and re-applies the merged result. A manual default
// leaves the event parked in conflict status.
func (e *SyncEngine) handleDivergence(ctx context.Context, event *models.QueueEvent, result ApplyResult, report *SyncReport) {
	if err := e.queue.MarkConflict(ctx, event.ID); err != nil {
		e.logger.Warn("failed to mark event conflicted",
			zap.String("event_id", event.ID.String()), zap.Error(err))
		return
	}

	conflict, err := e.resolver.Detect(ctx, event, result.LocalSnapshot, result.ServerSnapshot)
	if err != nil {
		e.logger.Error("failed to record conflict",
			zap.String("event_id", event.ID.String()), zap.Error(err))
		return
	}

	resolved, err := e.resolver.Resolve(ctx, conflict, e.defaultStrategy, true)
	if err != nil {
		e.logger.Error("conflict resolution failed",
			zap.String("conflict_id", conflict.ID.String()), zap.Error(err))
		return
	}
	if !resolved.Resolved() {
		// Held for manual decision; the event stays in conflict status.
		return
	}

	// Re-apply the merged result through the same handler.
	merged := *event
	merged.Payload = resolved.MergedResult
	reapply := e.apply(ctx, &merged)
	if reapply.Status == ApplyApplied {
		if err := e.queue.MarkSynced(ctx, event.ID); err == nil {
			report.Synced++
			metrics.EventsSynced.Inc()
		}
		return
	}
	if err := e.queue.MarkFailed(ctx, event.ID, reapply.Status == ApplyTransient); err == nil {
		report.Failed++
	}
}

// apply invokes the handler under the configured timeout. A missing
// handler or a panicking handler is a permanent failure; a timeout is
// transient and counts toward retry backoff.
func (e *SyncEngine) apply(ctx context.Context, event *models.QueueEvent) (result ApplyResult) {
	fn, ok := e.handler(event.EventType)
	if !ok {
		return ApplyResult{Status: ApplyPermanent, Err: errors.New("no handler registered for event type " + event.EventType)}
	}

	applyCtx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("apply handler panicked",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType),
				zap.Any("panic", r))
			result = ApplyResult{Status: ApplyPermanent, Err: errors.New("apply handler panicked")}
		}
	}()

	result = fn(applyCtx, event)
	if errors.Is(applyCtx.Err(), context.DeadlineExceeded) && result.Status != ApplyApplied && result.Status != ApplyDiverged {
		result.Status = ApplyTransient
	}
	return result
}
