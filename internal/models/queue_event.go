package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventSyncing  EventStatus = "syncing"
	EventSynced   EventStatus = "synced"
	EventFailed   EventStatus = "failed"
	EventConflict EventStatus = "conflict"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

type QueueEvent struct {
	ID              uuid.UUID       `json:"id"`
	DeviceID        uuid.UUID       `json:"device_id"`
	EventType       string          `json:"event_type"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	Status          EventStatus     `json:"status"`
	Attempts        int             `json:"attempts"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
	ContentHash     string          `json:"content_hash"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

// Eligible reports whether the event may be dequeued at the given instant:
// pending, past any retry backoff, and not expired.
func (e *QueueEvent) Eligible(now time.Time) bool {
	if e.Status != EventPending {
		return false
	}
	if e.NextAttemptAt != nil && now.Before(*e.NextAttemptAt) {
		return false
	}
	if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
		return false
	}
	return true
}
