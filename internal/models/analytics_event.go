package models

import (
	"time"

	"github.com/google/uuid"
)

type AnalyticsEvent struct {
	ID              uuid.UUID  `json:"id"`
	DeviceID        uuid.UUID  `json:"device_id"`
	SessionID       string     `json:"session_id"`
	Category        string     `json:"category"`
	Action          string     `json:"action"`
	Label           string     `json:"label,omitempty"`
	Value           float64    `json:"value,omitempty"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	DedupHash       string     `json:"dedup_hash"`
	BatchID         *uuid.UUID `json:"batch_id,omitempty"`
	Synced          bool       `json:"synced"`
	CreatedAt       time.Time  `json:"created_at"`
}
