package containment

import (
	"fmt"
	"sort"
	"time"

	"github.com/vorion-labs/cognigate/internal/trust"
)

// TriggerKind identifies what a policy trigger inspects.
type TriggerKind string

const (
	TriggerTrustThreshold  TriggerKind = "trust_threshold"
	TriggerErrorRate       TriggerKind = "error_rate"
	TriggerAnomalyScore    TriggerKind = "anomaly_score"
	TriggerCapabilityAbuse TriggerKind = "capability_abuse"
	TriggerComposite       TriggerKind = "composite"
)

// CompositeMode is how a composite trigger combines its sub-triggers.
type CompositeMode string

const (
	CompositeAll CompositeMode = "all"
	CompositeAny CompositeMode = "any"
)

// Trigger is the firing condition of a policy. Threshold semantics depend
// on the kind: trust_threshold fires when the score drops below it, the
// rate and anomaly kinds fire when their metric rises above it.
type Trigger struct {
	Kind      TriggerKind   `json:"kind" yaml:"kind"`
	Threshold float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Mode      CompositeMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Triggers  []Trigger     `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// Signals is the per-entity metric snapshot a policy evaluation runs
// against. Callers assemble it from the scorer and their own telemetry.
type Signals struct {
	EntityID        string  `json:"entity_id"`
	TrustScore      float64 `json:"trust_score"`
	ErrorRate       float64 `json:"error_rate"`
	AnomalyScore    float64 `json:"anomaly_score"`
	CapabilityAbuse bool    `json:"capability_abuse"`
}

func (t Trigger) fires(sig Signals) bool {
	switch t.Kind {
	case TriggerTrustThreshold:
		return sig.TrustScore < t.Threshold
	case TriggerErrorRate:
		return sig.ErrorRate > t.Threshold
	case TriggerAnomalyScore:
		return sig.AnomalyScore > t.Threshold
	case TriggerCapabilityAbuse:
		return sig.CapabilityAbuse
	case TriggerComposite:
		if len(t.Triggers) == 0 {
			return false
		}
		for _, sub := range t.Triggers {
			fired := sub.fires(sig)
			if t.Mode == CompositeAny && fired {
				return true
			}
			if t.Mode != CompositeAny && !fired {
				return false
			}
		}
		return t.Mode != CompositeAny
	default:
		return false
	}
}

func (t Trigger) validate() error {
	switch t.Kind {
	case TriggerTrustThreshold, TriggerErrorRate, TriggerAnomalyScore, TriggerCapabilityAbuse:
		return nil
	case TriggerComposite:
		if t.Mode != CompositeAll && t.Mode != CompositeAny {
			return &trust.ValidationError{Field: "trigger.mode", Reason: fmt.Sprintf("unknown composite mode %q", t.Mode)}
		}
		if len(t.Triggers) == 0 {
			return &trust.ValidationError{Field: "trigger.triggers", Reason: "composite trigger has no sub-triggers"}
		}
		for _, sub := range t.Triggers {
			if err := sub.validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return &trust.ValidationError{Field: "trigger.kind", Reason: fmt.Sprintf("unknown trigger kind %q", t.Kind)}
	}
}

// Action is what a fired policy imposes.
type Action struct {
	Level         Level          `json:"level" yaml:"level"`
	Restrictions  []string       `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty" yaml:"duration,omitempty"`
	Notifications []Notification `json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// Policy binds a trigger to an action. Lower priority numbers win ties
// among equally severe matched actions.
type Policy struct {
	ID                     string                  `json:"id" yaml:"id"`
	Description            string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled                bool                    `json:"enabled" yaml:"enabled"`
	Priority               int                     `json:"priority" yaml:"priority"`
	Trigger                Trigger                 `json:"trigger" yaml:"trigger"`
	Action                 Action                  `json:"action" yaml:"action"`
	DeescalationConditions []DeescalationCondition `json:"deescalation_conditions,omitempty" yaml:"deescalation_conditions,omitempty"`
	EscalationPath         []EscalationStep        `json:"escalation_path,omitempty" yaml:"escalation_path,omitempty"`
}

func (p Policy) validate() error {
	if p.ID == "" {
		return &trust.ValidationError{Field: "policy.id", Reason: "must not be empty"}
	}
	if _, err := ParseLevel(string(p.Action.Level)); err != nil {
		return &trust.ValidationError{Field: "policy.action.level", Reason: fmt.Sprintf("policy %q: unknown level %q", p.ID, p.Action.Level)}
	}
	return p.Trigger.validate()
}

// selectMatch picks the winning policy among those whose triggers fired:
// the most restrictive target level wins; ties go to the lowest priority
// number. The full matched set is retained as evidence.
func selectMatch(policies []Policy, sig Signals) (winner *Policy, matched []Policy) {
	for _, p := range policies {
		if !p.Enabled || !p.Trigger.fires(sig) {
			continue
		}
		matched = append(matched, p)
	}
	if len(matched) == 0 {
		return nil, nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := matched[i].Action.Level.Severity(), matched[j].Action.Level.Severity()
		if si != sj {
			return si > sj
		}
		return matched[i].Priority < matched[j].Priority
	})
	return &matched[0], matched
}
