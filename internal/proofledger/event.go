package proofledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the well-known anchor of the chain. An empty ledger reports
// it as the latest hash, and the first appended event must reference it as
// its PreviousHash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventType identifies the governance occurrence an event records.
type EventType string

const (
	EventTrustScoreUpdated  EventType = "trust_score_updated"
	EventBandChanged        EventType = "band_changed"
	EventGateEvaluated      EventType = "gate_evaluated"
	EventContainmentChanged EventType = "containment_changed"
	EventDecayApplied       EventType = "decay_applied"
	EventPolicyReloaded     EventType = "policy_reloaded"
	EventManualOverride     EventType = "manual_override"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTrustScoreUpdated, EventBandChanged, EventGateEvaluated,
		EventContainmentChanged, EventDecayApplied, EventPolicyReloaded,
		EventManualOverride:
		return true
	}
	return false
}

// Sentinel errors for the event store taxonomy.
var (
	// ErrDuplicateEvent is returned when an event ID has already been appended.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrChainBroken is returned when the hash chain has failed verification.
	// It is fatal for the ledger instance: appends fail closed until the
	// break is manually resolved and cleared.
	ErrChainBroken = errors.New("hash chain broken")
)

// ChainBreakError reports the first index at which chain verification failed.
type ChainBreakError struct {
	Index  int
	Reason string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("hash chain broken at index %d: %s", e.Index, e.Reason)
}

// Unwrap makes errors.Is(err, ErrChainBroken) work on a ChainBreakError.
func (e *ChainBreakError) Unwrap() error { return ErrChainBroken }

// Event is a single immutable record in the proof ledger.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
	EventHash     string          `json:"event_hash"`
	OccurredAt    time.Time       `json:"occurred_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	SignedBy      string          `json:"signed_by,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// validate checks the fields required before an event may be hashed.
func (e *Event) validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.EventType)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// hashEvent computes the SHA-256 hash over the event's canonical content.
// RecordedAt, EventHash, and Signature are excluded: none of them exist yet
// at hash time.
func hashEvent(e *Event) (string, error) {
	var payload interface{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return "", fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
		}
	}
	canon, err := stableJSON(map[string]interface{}{
		"event_id":       e.EventID,
		"event_type":     string(e.EventType),
		"correlation_id": e.CorrelationID,
		"agent_id":       e.AgentID,
		"payload":        payload,
		"previous_hash":  e.PreviousHash,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"signed_by":      e.SignedBy,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// stripped returns a copy of e with the payload body omitted, for
// lightweight query summaries.
func (e *Event) stripped() *Event {
	clone := *e
	clone.Payload = nil
	return &clone
}
