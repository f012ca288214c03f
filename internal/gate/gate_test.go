package gate_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/gate"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

var ctx = context.Background()

// fixedBands returns a BandSource pinned to one band level.
type fixedBands int

func (f fixedBands) CurrentBand(context.Context, string) (trust.Band, error) {
	bands := trust.DefaultBands()
	return bands[int(f)], nil
}

func newGate(band int, ledger proofledger.Ledger) *gate.Gate {
	return gate.New(gate.DefaultConfig(), fixedBands(band), ledger, zap.NewNop())
}

func TestEvaluate_criticalTransfer(t *testing.T) {
	ledger := proofledger.NewMemory(nil)
	g := newGate(5, ledger)

	d, err := g.Evaluate(ctx, gate.Request{
		EntityID:      "agent-1",
		Action:        gate.ActionTransfer,
		Sensitivity:   gate.SensitivityRestricted,
		Reversibility: gate.Irreversible,
		Magnitude:     10000,
	})
	if err != nil {
		t.Fatal(err)
	}

	// 80*2.0 + 40 + 40 = 200, capped at 100.
	if d.Factors.CombinedScore != 100 {
		t.Errorf("combined score: got %v, want 100", d.Factors.CombinedScore)
	}
	if d.RiskLevel != gate.RiskCritical {
		t.Errorf("risk level: got %s, want CRITICAL", d.RiskLevel)
	}
	if !d.RequiresHumanApproval || !d.RequiresVerification {
		t.Errorf("CRITICAL must require verification and human approval: %+v", d)
	}
	if !d.Allowed {
		t.Error("L5 requester should clear the CRITICAL band floor")
	}
}

func TestEvaluate_publicReadAllowedForEveryBand(t *testing.T) {
	for level := 0; level <= 5; level++ {
		g := newGate(level, proofledger.NewMemory(nil))
		d, err := g.Evaluate(ctx, gate.Request{
			EntityID:      "agent-1",
			Action:        gate.ActionRead,
			Sensitivity:   gate.SensitivityPublic,
			Reversibility: gate.Reversible,
		})
		if err != nil {
			t.Fatal(err)
		}
		if d.RiskLevel != gate.RiskRead {
			t.Errorf("band L%d: risk level got %s, want READ", level, d.RiskLevel)
		}
		if !d.Allowed {
			t.Errorf("band L%d: public read denied", level)
		}
		if d.RequiresVerification || d.RequiresHumanApproval {
			t.Errorf("band L%d: READ risk demands no verification", level)
		}
	}
}

func TestEvaluate_deniesBelowMinimumBand(t *testing.T) {
	ledger := proofledger.NewMemory(nil)
	g := newGate(1, ledger) // L1 requester

	d, err := g.Evaluate(ctx, gate.Request{
		EntityID:      "agent-low",
		Action:        gate.ActionTransfer,
		Sensitivity:   gate.SensitivityRestricted,
		Reversibility: gate.Irreversible,
		Magnitude:     10000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Error("L1 requester allowed a CRITICAL action — treacherous turn gate failed")
	}
	// Denial is independent of the approval requirements, which still hold.
	if !d.RequiresHumanApproval {
		t.Error("denial must not clear the human-approval requirement")
	}

	// The denial is on the ledger.
	res, err := ledger.Query(ctx, proofledger.Filter{
		AgentID:    "agent-low",
		EventTypes: []proofledger.EventType{proofledger.EventGateEvaluated},
	}, proofledger.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 gate_evaluated event, got %d", len(res.Events))
	}
}

func TestEvaluate_magnitudeIsCapped(t *testing.T) {
	g := newGate(5, proofledger.NewMemory(nil))

	d, err := g.Evaluate(ctx, gate.Request{
		EntityID:      "agent-1",
		Action:        gate.ActionRead,
		Sensitivity:   gate.SensitivityPublic,
		Reversibility: gate.Reversible,
		Magnitude:     1e12,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Factors.MagnitudeRisk != 40 {
		t.Errorf("magnitude risk: got %v, want capped 40", d.Factors.MagnitudeRisk)
	}
}

func TestEvaluate_rejectsUnknownCategories(t *testing.T) {
	g := newGate(5, proofledger.NewMemory(nil))

	cases := []gate.Request{
		{EntityID: "a", Action: "browse", Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible},
		{EntityID: "a", Action: gate.ActionRead, Sensitivity: "secret", Reversibility: gate.Reversible},
		{EntityID: "a", Action: gate.ActionRead, Sensitivity: gate.SensitivityPublic, Reversibility: "maybe"},
		{Action: gate.ActionRead, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible},
		{EntityID: "a", Action: gate.ActionRead, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible, Magnitude: -5},
	}
	for i, req := range cases {
		_, err := g.Evaluate(ctx, req)
		var verr *trust.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestEvaluate_riskLevelBoundaries(t *testing.T) {
	cases := []struct {
		req  gate.Request
		want gate.RiskLevel
	}{
		// 30*1.0 = 30 → LOW
		{gate.Request{EntityID: "a", Action: gate.ActionWrite, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible}, gate.RiskLow},
		// 50*1.0 = 50 → MEDIUM
		{gate.Request{EntityID: "a", Action: gate.ActionDelete, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible}, gate.RiskMedium},
		// 60*1.0 = 60 → HIGH
		{gate.Request{EntityID: "a", Action: gate.ActionExecute, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible}, gate.RiskHigh},
		// 80*1.0 = 80 → CRITICAL
		{gate.Request{EntityID: "a", Action: gate.ActionTransfer, Sensitivity: gate.SensitivityPublic, Reversibility: gate.Reversible}, gate.RiskCritical},
	}
	g := newGate(5, proofledger.NewMemory(nil))
	for _, tc := range cases {
		d, err := g.Evaluate(ctx, tc.req)
		if err != nil {
			t.Fatal(err)
		}
		if d.RiskLevel != tc.want {
			t.Errorf("%s: got %s, want %s", tc.req.Action, d.RiskLevel, tc.want)
		}
	}
}
