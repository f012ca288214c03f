package containment

import "time"

// Notification is a declarative delivery instruction emitted with a
// transition. Actual delivery is an external collaborator's job.
type Notification struct {
	Channel    string   `json:"channel" yaml:"channel"`
	Recipients []string `json:"recipients" yaml:"recipients"`
	Severity   string   `json:"severity" yaml:"severity"`
	Template   string   `json:"template" yaml:"template"`
}

// EscalationStep describes what happens if conditions worsen while an
// entity sits at a given level.
type EscalationStep struct {
	ToLevel       Level          `json:"to_level" yaml:"to_level"`
	When          string         `json:"when" yaml:"when"`
	Notifications []Notification `json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// ConditionKind identifies a de-escalation condition.
type ConditionKind string

const (
	ConditionElapsed        ConditionKind = "elapsed"
	ConditionTrustRestored  ConditionKind = "trust_restored"
	ConditionManualApproval ConditionKind = "manual_approval"
)

// DeescalationCondition is one criterion that must hold before severity
// may be reduced. All stored conditions must hold together.
type DeescalationCondition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// MinDuration applies to elapsed conditions: minimum time at the
	// current level.
	MinDuration time.Duration `json:"min_duration,omitempty" yaml:"min_duration,omitempty"`

	// MinScore applies to trust_restored conditions.
	MinScore float64 `json:"min_score,omitempty" yaml:"min_score,omitempty"`
}

// HistoryEntry records one completed transition. Appended before the live
// state is replaced, never rewritten.
type HistoryEntry struct {
	ID            string    `json:"id"`
	PreviousLevel Level     `json:"previous_level"`
	NewLevel      Level     `json:"new_level"`
	Reason        string    `json:"reason"`
	Initiator     string    `json:"initiator"`
	Evidence      []string  `json:"evidence,omitempty"`
	At            time.Time `json:"at"`
}

// State is the current containment posture of one entity, exactly one per
// entity. History grows monotonically across transitions.
type State struct {
	EntityID               string                  `json:"entity_id"`
	Level                  Level                   `json:"level"`
	Reason                 string                  `json:"reason"`
	Restrictions           []string                `json:"restrictions,omitempty"`
	AppliedAt              time.Time               `json:"applied_at"`
	ExpiresAt              *time.Time              `json:"expires_at,omitempty"`
	Initiator              string                  `json:"initiator"`
	History                []HistoryEntry          `json:"history,omitempty"`
	DeescalationConditions []DeescalationCondition `json:"deescalation_conditions,omitempty"`
	EscalationPath         []EscalationStep        `json:"escalation_path,omitempty"`
}

func newState(entityID string, now time.Time) *State {
	return &State{
		EntityID:  entityID,
		Level:     LevelFullAutonomy,
		AppliedAt: now,
		Initiator: "system",
	}
}
