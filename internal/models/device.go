package models

import (
	"time"

	"github.com/google/uuid"
)

type Device struct {
	ID                uuid.UUID        `json:"id"`
	UserID            *uuid.UUID       `json:"user_id,omitempty"`
	Capabilities      CapabilityVector `json:"capabilities"`
	QuotaBytes        int64            `json:"quota_bytes"`
	Online            bool             `json:"online"`
	LastOnlineAt      *time.Time       `json:"last_online_at,omitempty"`
	LastSyncAt        *time.Time       `json:"last_sync_at,omitempty"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	RetiredAt         *time.Time       `json:"retired_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         *time.Time       `json:"updated_at,omitempty"`
}

type ConnectivityStatus string

const (
	ConnectivityOnline  ConnectivityStatus = "online"
	ConnectivityOffline ConnectivityStatus = "offline"
)

// DeviceStatus is the read model returned by status lookups: the durable
// device record combined with live connectivity and queue depth.
type DeviceStatus struct {
	Device       Device             `json:"device"`
	Connectivity ConnectivityStatus `json:"connectivity"`
	PendingCount int                `json:"pending_count"`
}
