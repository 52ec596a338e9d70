package models

import (
	"fmt"
	"math"
	"strings"
)

// CapabilityVector describes what a device can execute as named numeric
// flags. Boolean capabilities are encoded as 0/1 (e.g. "background-workers":
// 1); numeric ones carry their magnitude (e.g. "memory-mb": 512).
type CapabilityVector map[string]float64

// Has reports whether the capability is present and truthy.
func (v CapabilityVector) Has(name string) bool {
	return v[name] > 0
}

// Meets reports whether the vector satisfies a required minimum for every
// flag in req. A flag absent from the vector never satisfies a requirement.
func (v CapabilityVector) Meets(req CapabilityVector) bool {
	for name, min := range req {
		got, ok := v[name]
		if !ok || got < min {
			return false
		}
	}
	return true
}

// Validate rejects malformed vectors: empty flag names, negative values,
// NaN/Inf. A nil or empty vector is valid (a device with no declared
// capabilities).
func (v CapabilityVector) Validate() error {
	for name, value := range v {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("capability with empty name")
		}
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("capability %q has invalid value %v", name, value)
		}
	}
	return nil
}

// Clone returns an independent copy so callers never share mutable state.
func (v CapabilityVector) Clone() CapabilityVector {
	if v == nil {
		return nil
	}
	out := make(CapabilityVector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
