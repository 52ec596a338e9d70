package models

import "time"

// EdgeModelDescriptor describes a deployable on-device inference model:
// its requirements and expected performance, not the weights themselves.
// Immutable once published except for the deprecation flag and telemetry.
type EdgeModelDescriptor struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Version            string           `json:"version"`
	RequiredCaps       CapabilityVector `json:"required_caps"`
	SizeBytes          int64            `json:"size_bytes"`
	LoadLatencyMS      float64          `json:"load_latency_ms"`
	InferenceLatencyMS float64          `json:"inference_latency_ms"`
	ExpectedAccuracy   float64          `json:"expected_accuracy"`
	Active             bool             `json:"active"`
	Deprecated         bool             `json:"deprecated"`
	PublishedAt        time.Time        `json:"published_at"`
}

// ModelStats holds the running telemetry for a model, updated on every
// recorded outcome and persisted periodically.
type ModelStats struct {
	ModelID      string     `json:"model_id"`
	AvgLatencyMS float64    `json:"avg_latency_ms"`
	AvgAccuracy  float64    `json:"avg_accuracy"`
	ErrorRate    float64    `json:"error_rate"`
	Samples      int64      `json:"samples"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}
