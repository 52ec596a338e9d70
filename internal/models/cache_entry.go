package models

import (
	"time"

	"github.com/google/uuid"
)

// CacheKey identifies a cached artifact. One entry per key per device.
type CacheKey struct {
	DeviceID    uuid.UUID `json:"device_id"`
	ContentType string    `json:"content_type"`
	ContentID   string    `json:"content_id"`
}

type CacheEntry struct {
	ID             uuid.UUID  `json:"id"`
	Key            CacheKey   `json:"key"`
	Payload        []byte     `json:"payload"`
	SizeBytes      int64      `json:"size_bytes"`
	Priority       int        `json:"priority"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	AccessCount    int64      `json:"access_count"`
	SourceVersion  int64      `json:"source_version"`
	LocalVersion   int64      `json:"local_version"`
	Stale          bool       `json:"stale"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
