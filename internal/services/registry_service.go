package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"go.uber.org/zap"
)

// SyncTrigger schedules an immediate sync attempt for a device. Satisfied
// by the sync engine; injected to avoid a construction cycle.
type SyncTrigger func(deviceID uuid.UUID)

type RegistryService struct {
	devices     repositories.DeviceRepository
	presence    repositories.PresenceRepository
	queue       repositories.QueueEventRepository
	retireAfter time.Duration
	trigger     SyncTrigger
	clock       Clock
	logger      *zap.Logger
}

type Registration struct {
	DeviceID     uuid.UUID // Nil means generate one
	UserID       *uuid.UUID
	Capabilities models.CapabilityVector
	QuotaBytes   int64
}

func NewRegistryService(
	devices repositories.DeviceRepository,
	presence repositories.PresenceRepository,
	queue repositories.QueueEventRepository,
	retireAfter time.Duration,
	clock Clock,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		devices:     devices,
		presence:    presence,
		queue:       queue,
		retireAfter: retireAfter,
		clock:       clock,
		logger:      logger,
	}
}

// SetSyncTrigger wires the online-transition hook. Called once at startup,
// after the engine exists.
func (s *RegistryService) SetSyncTrigger(trigger SyncTrigger) {
	s.trigger = trigger
}

// Register creates the device on first contact or refreshes its
// capabilities and quota. Idempotent on id: re-registration never
// duplicates, and revives a soft-retired device.
func (s *RegistryService) Register(ctx context.Context, reg Registration) (uuid.UUID, error) {
	if err := reg.Capabilities.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if reg.QuotaBytes <= 0 {
		return uuid.Nil, fmt.Errorf("%w: quota must be positive", ErrValidation)
	}

	id := reg.DeviceID
	if id == uuid.Nil {
		id = uuid.New()
	}

	device := &models.Device{
		ID:           id,
		UserID:       reg.UserID,
		Capabilities: reg.Capabilities.Clone(),
		QuotaBytes:   reg.QuotaBytes,
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("device registered",
		zap.String("device_id", id.String()),
		zap.Int("capabilities", len(reg.Capabilities)),
		zap.Int64("quota_bytes", reg.QuotaBytes))
	return id, nil
}

// SetOnline flips connectivity. Going online schedules an immediate sync
// attempt for the device.
func (s *RegistryService) SetOnline(ctx context.Context, deviceID uuid.UUID, online bool) error {
	if _, err := s.devices.GetByID(ctx, deviceID); err != nil {
		return err
	}
	if err := s.presence.SetOnline(ctx, deviceID, online); err != nil {
		return err
	}
	if err := s.devices.SetOnline(ctx, deviceID, online, s.clock.Now()); err != nil {
		return err
	}

	if online && s.trigger != nil {
		s.trigger(deviceID)
	}
	return nil
}

// GetStatus returns the durable record combined with live connectivity and
// queue depth.
func (s *RegistryService) GetStatus(ctx context.Context, deviceID uuid.UUID) (*models.DeviceStatus, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	online, err := s.presence.IsOnline(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	pending, err := s.queue.CountPending(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	status := &models.DeviceStatus{
		Device:       *device,
		Connectivity: models.ConnectivityOffline,
		PendingCount: pending,
	}
	if online {
		status.Connectivity = models.ConnectivityOnline
	}
	return status, nil
}

// RetireInactive soft-retires devices unseen for the configured window.
// Run by the scheduler on a coarse cadence.
func (s *RegistryService) RetireInactive(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retireAfter)
	retired, err := s.devices.RetireInactive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if retired > 0 {
		s.logger.Info("retired inactive devices", zap.Int64("count", retired))
	}
	return retired, nil
}
