package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

// Request is one proposed action to be verified before execution. It is
// never persisted except as a proof event summary.
type Request struct {
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Action        ActionType      `json:"action_type"`
	Sensitivity   DataSensitivity `json:"data_sensitivity"`
	Reversibility Reversibility   `json:"reversibility"`
	Magnitude     float64         `json:"magnitude,omitempty"`
}

func (r *Request) validate() error {
	if r.EntityID == "" {
		return &trust.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if _, err := ParseActionType(string(r.Action)); err != nil {
		return err
	}
	if _, err := ParseSensitivity(string(r.Sensitivity)); err != nil {
		return err
	}
	if _, err := ParseReversibility(string(r.Reversibility)); err != nil {
		return err
	}
	if r.Magnitude < 0 {
		return &trust.ValidationError{Field: "magnitude", Reason: "must not be negative"}
	}
	return nil
}

// Decision is the gate's verdict on a request.
type Decision struct {
	Allowed               bool       `json:"allowed"`
	RiskLevel             RiskLevel  `json:"risk_level"`
	Factors               Factors    `json:"factors"`
	RequiresVerification  bool       `json:"requires_verification"`
	RequiresHumanApproval bool       `json:"requires_human_approval"`
	EntityBand            trust.Band `json:"entity_band"`
	Explanation           []string   `json:"explanation"`
}

// Config maps each risk level to the minimum trust band allowed to attempt
// it. A request below the minimum is denied outright, before any
// verification or approval requirement is considered.
type Config struct {
	MinBands map[RiskLevel]int
}

// DefaultConfig returns the production risk-to-band floor.
func DefaultConfig() Config {
	return Config{MinBands: map[RiskLevel]int{
		RiskRead:     0,
		RiskLow:      1,
		RiskMedium:   2,
		RiskHigh:     3,
		RiskCritical: 4,
	}}
}

// BandSource supplies the requester's current trust band. Satisfied by
// *trust.Scorer.
type BandSource interface {
	CurrentBand(ctx context.Context, entityID string) (trust.Band, error)
}

// Gate evaluates requests. It holds no per-request state and may run with
// unbounded parallelism; it reads the requester's band but never mutates it.
type Gate struct {
	cfg    Config
	bands  BandSource
	ledger proofledger.Ledger
	logger *zap.Logger
}

// New creates a Gate.
func New(cfg Config, bands BandSource, ledger proofledger.Ledger, logger *zap.Logger) *Gate {
	return &Gate{cfg: cfg, bands: bands, ledger: ledger, logger: logger}
}

// Evaluate classifies the request's risk and combines it with the
// requester's trust band. Every evaluation is recorded as a proof event
// regardless of outcome, so denials stay auditable; a failed event write
// fails the evaluation.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	factors := classify(req.Action, req.Sensitivity, req.Reversibility, req.Magnitude)
	level := riskLevelFor(factors.CombinedScore)

	band, err := g.bands.CurrentBand(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("resolve trust band: %w", err)
	}

	d := &Decision{
		RiskLevel:             level,
		Factors:               factors,
		RequiresVerification:  level == RiskHigh || level == RiskCritical,
		RequiresHumanApproval: level == RiskCritical,
		EntityBand:            band,
	}
	d.Explanation = append(d.Explanation,
		fmt.Sprintf("action %s on %s data, %s: combined risk %.1f (%s)",
			req.Action, req.Sensitivity, req.Reversibility, factors.CombinedScore, level),
	)
	if factors.MagnitudeRisk > 0 {
		d.Explanation = append(d.Explanation,
			fmt.Sprintf("magnitude %.2f adds %.1f risk", req.Magnitude, factors.MagnitudeRisk))
	}

	minBand := g.cfg.MinBands[level]
	if band.Level < minBand {
		d.Allowed = false
		d.Explanation = append(d.Explanation,
			fmt.Sprintf("denied: trust band %s (L%d) below minimum L%d for %s risk",
				band.Name, band.Level, minBand, level))
	} else {
		d.Allowed = true
		d.Explanation = append(d.Explanation,
			fmt.Sprintf("trust band %s meets minimum L%d for %s risk", band.Name, minBand, level))
		if d.RequiresHumanApproval {
			d.Explanation = append(d.Explanation, "human approval required before execution")
		} else if d.RequiresVerification {
			d.Explanation = append(d.Explanation, "independent verification required before execution")
		}
	}

	if err := g.emitEvent(ctx, req, d); err != nil {
		return nil, err
	}

	g.logger.Debug("gate evaluated",
		zap.String("entity_id", req.EntityID),
		zap.String("action", string(req.Action)),
		zap.String("risk_level", string(level)),
		zap.Bool("allowed", d.Allowed),
	)
	return d, nil
}

// Permitted reports whether the entity's current band clears the floor for
// the action category at its base risk, with no sensitivity, magnitude, or
// reversibility surcharge. It is a lightweight poll for agents embedding
// the check in their own loop and records nothing; the authoritative
// answer for a concrete action comes from Evaluate.
func (g *Gate) Permitted(ctx context.Context, entityID string, action ActionType) (bool, RiskLevel, error) {
	if _, err := ParseActionType(string(action)); err != nil {
		return false, "", err
	}
	factors := classify(action, SensitivityPublic, Reversible, 0)
	level := riskLevelFor(factors.CombinedScore)

	band, err := g.bands.CurrentBand(ctx, entityID)
	if err != nil {
		return false, level, fmt.Errorf("resolve trust band: %w", err)
	}
	return band.Level >= g.cfg.MinBands[level], level, nil
}

func (g *Gate) emitEvent(ctx context.Context, req Request, d *Decision) error {
	payload, err := json.Marshal(map[string]interface{}{
		"request":                 req,
		"risk_level":              d.RiskLevel,
		"combined_score":          d.Factors.CombinedScore,
		"allowed":                 d.Allowed,
		"requires_verification":   d.RequiresVerification,
		"requires_human_approval": d.RequiresHumanApproval,
		"entity_band":             d.EntityBand.Name,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := g.ledger.Append(ctx, &proofledger.Event{
		EventID:       uuid.New().String(),
		EventType:     proofledger.EventGateEvaluated,
		CorrelationID: req.CorrelationID,
		AgentID:       req.EntityID,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record gate evaluation: %w", err)
	}
	return nil
}
