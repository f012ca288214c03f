// Package gate classifies the risk of a proposed action and decides, given
// the requester's current trust band, whether it may proceed. It is the
// mechanism that keeps a low-trust entity from being handed a high-risk
// action, however well it has behaved lately.
package gate

import (
	"fmt"
	"math"

	"github.com/vorion-labs/cognigate/internal/trust"
)

// ActionType is the closed set of action categories.
type ActionType string

const (
	ActionRead        ActionType = "read"
	ActionWrite       ActionType = "write"
	ActionDelete      ActionType = "delete"
	ActionExecute     ActionType = "execute"
	ActionCommunicate ActionType = "communicate"
	ActionTransfer    ActionType = "transfer"
)

// baseRisk is the starting risk score per action type.
var baseRisk = map[ActionType]float64{
	ActionRead:        10,
	ActionWrite:       30,
	ActionDelete:      50,
	ActionExecute:     60,
	ActionCommunicate: 40,
	ActionTransfer:    80,
}

// ParseActionType validates a wire-format action type.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(s)
	if _, ok := baseRisk[t]; !ok {
		return "", &trust.ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", s)}
	}
	return t, nil
}

// DataSensitivity classifies the data an action touches.
type DataSensitivity string

const (
	SensitivityPublic       DataSensitivity = "public"
	SensitivityInternal     DataSensitivity = "internal"
	SensitivityConfidential DataSensitivity = "confidential"
	SensitivityRestricted   DataSensitivity = "restricted"
)

// sensitivityMultiplier scales the base risk.
var sensitivityMultiplier = map[DataSensitivity]float64{
	SensitivityPublic:       1.0,
	SensitivityInternal:     1.2,
	SensitivityConfidential: 1.5,
	SensitivityRestricted:   2.0,
}

// ParseSensitivity validates a wire-format sensitivity.
func ParseSensitivity(s string) (DataSensitivity, error) {
	d := DataSensitivity(s)
	if _, ok := sensitivityMultiplier[d]; !ok {
		return "", &trust.ValidationError{Field: "data_sensitivity", Reason: fmt.Sprintf("unknown sensitivity %q", s)}
	}
	return d, nil
}

// Reversibility classifies how recoverable an action's effects are.
type Reversibility string

const (
	Reversible          Reversibility = "reversible"
	PartiallyReversible Reversibility = "partially_reversible"
	Irreversible        Reversibility = "irreversible"
)

// reversibilityRisk is the additive risk term per reversibility class.
var reversibilityRisk = map[Reversibility]float64{
	Reversible:          0,
	PartiallyReversible: 20,
	Irreversible:        40,
}

// ParseReversibility validates a wire-format reversibility.
func ParseReversibility(s string) (Reversibility, error) {
	r := Reversibility(s)
	if _, ok := reversibilityRisk[r]; !ok {
		return "", &trust.ValidationError{Field: "reversibility", Reason: fmt.Sprintf("unknown reversibility %q", s)}
	}
	return r, nil
}

// RiskLevel is the discrete classification of a combined risk score.
type RiskLevel string

const (
	RiskRead     RiskLevel = "READ"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// riskLevelFor maps a 0-100 combined score to its level.
func riskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	case score >= 20:
		return RiskLow
	default:
		return RiskRead
	}
}

// magnitudeRisk converts an optional action magnitude (e.g. a monetary
// value) to risk on a capped logarithmic scale, so very large magnitudes
// cannot dominate unboundedly.
func magnitudeRisk(magnitude float64) float64 {
	if magnitude <= 1 {
		return 0
	}
	return math.Min(40, math.Log10(magnitude)*10)
}

// Factors is the per-term breakdown of a risk classification.
type Factors struct {
	BaseRisk              float64 `json:"base_risk"`
	SensitivityMultiplier float64 `json:"sensitivity_multiplier"`
	ReversibilityRisk     float64 `json:"reversibility_risk"`
	MagnitudeRisk         float64 `json:"magnitude_risk"`
	CombinedScore         float64 `json:"combined_score"`
}

// classify computes the combined risk score and its breakdown.
func classify(action ActionType, sensitivity DataSensitivity, rev Reversibility, magnitude float64) Factors {
	f := Factors{
		BaseRisk:              baseRisk[action],
		SensitivityMultiplier: sensitivityMultiplier[sensitivity],
		ReversibilityRisk:     reversibilityRisk[rev],
		MagnitudeRisk:         magnitudeRisk(magnitude),
	}
	f.CombinedScore = math.Min(100, f.BaseRisk*f.SensitivityMultiplier+f.ReversibilityRisk+f.MagnitudeRisk)
	return f
}
