package services

import "errors"

var (
	// ErrValidation marks malformed input rejected synchronously, never queued.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity marks a content-hash mismatch on a previously accepted
	// event. Security-relevant; never silently repaired.
	ErrIntegrity = errors.New("content hash mismatch")

	// ErrSyncInProgress is returned when a sync cycle is already active for
	// the device. The caller has nothing to do; the active cycle covers it.
	ErrSyncInProgress = errors.New("sync already in progress for device")

	// ErrDeviceOffline means no batch may be dequeued until the device
	// comes back online.
	ErrDeviceOffline = errors.New("device is offline")

	// ErrNoCompatibleModel means no active model of the requested type is
	// runnable on the device. Callers are expected to fall back to a
	// non-model path.
	ErrNoCompatibleModel = errors.New("no compatible model for device")

	// ErrConflictResolved guards the terminal conflict lifecycle: a
	// resolved conflict is never re-opened.
	ErrConflictResolved = errors.New("conflict already resolved")

	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)
