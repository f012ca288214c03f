// Package trust maintains per-entity trust scores from behavioral signals
// and maps them onto discrete bands with anti-oscillation hysteresis. Trust
// is earned slowly (promotion delay) and lost quickly (immediate demotion).
package trust

import (
	"fmt"
	"time"
)

// SignalType is a closed taxonomy of behavioral dimensions. Dotted names
// are preserved on the wire, but unknown categories are rejected at
// validation time instead of defaulting silently.
type SignalType string

const (
	SignalTaskCompletion     SignalType = "behavioral.task_completion"
	SignalErrorRate          SignalType = "behavioral.error_rate"
	SignalResourceDiscipline SignalType = "behavioral.resource_discipline"
	SignalVerification       SignalType = "verification.outcome"
	SignalCompliance         SignalType = "compliance.policy"
	SignalAnomaly            SignalType = "security.anomaly"
	SignalCapabilityUse      SignalType = "security.capability_use"
)

// signalTypes lists every member of the taxonomy.
var signalTypes = []SignalType{
	SignalTaskCompletion,
	SignalErrorRate,
	SignalResourceDiscipline,
	SignalVerification,
	SignalCompliance,
	SignalAnomaly,
	SignalCapabilityUse,
}

// ParseSignalType validates a wire-format signal type string.
func ParseSignalType(s string) (SignalType, error) {
	for _, t := range signalTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown signal type %q", s)}
}

// ValidationError reports malformed or out-of-range input. It is never
// retried and always surfaced to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Signal is a single behavioral observation about an entity. Value is a
// goodness measure in [0,1]: 1.0 means fully trustworthy behavior on this
// dimension, 0.0 means a complete failure. Immutable once recorded.
type Signal struct {
	ID        string            `json:"id"`
	EntityID  string            `json:"entity_id"`
	Type      SignalType        `json:"type"`
	Value     float64           `json:"value"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the signal before ingestion. Out-of-range values are
// rejected, not clamped.
func (s *Signal) Validate() error {
	if s.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if _, err := ParseSignalType(string(s.Type)); err != nil {
		return err
	}
	if s.Value < 0 || s.Value > 1 {
		return &ValidationError{Field: "value", Reason: fmt.Sprintf("%v outside [0,1]", s.Value)}
	}
	if s.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	return nil
}
