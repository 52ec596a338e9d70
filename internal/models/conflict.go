package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyLocalWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// Conflict records a divergence between the local and server versions of an
// entity. It is terminal once resolved; a later divergence on the same
// entity creates a new Conflict.
type Conflict struct {
	ID             uuid.UUID          `json:"id"`
	DeviceID       uuid.UUID          `json:"device_id"`
	EventID        uuid.UUID          `json:"event_id"`
	EntityType     string             `json:"entity_type"`
	EntityID       string             `json:"entity_id"`
	LocalSnapshot  json.RawMessage    `json:"local_snapshot"`
	ServerSnapshot json.RawMessage    `json:"server_snapshot"`
	Strategy       ResolutionStrategy `json:"strategy,omitempty"`
	MergedResult   json.RawMessage    `json:"merged_result,omitempty"`
	Severity       ConflictSeverity   `json:"severity"`
	AutoResolved   bool               `json:"auto_resolved"`
	DetectedAt     time.Time          `json:"detected_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}
