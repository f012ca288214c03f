package trust_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/kvstore"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

var ctx = context.Background()

type fixture struct {
	scorer *trust.Scorer
	ledger *proofledger.MemoryLedger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: proofledger.NewMemory(nil),
		now:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	f.scorer = trust.NewScorer(
		trust.DefaultConfig(),
		kvstore.NewMemory[trust.Record](),
		f.ledger,
		zap.NewNop(),
	)
	f.scorer.SetNowFunc(func() time.Time { return f.now })
	return f
}

func signal(entityID string, typ trust.SignalType, value float64) trust.Signal {
	return trust.Signal{EntityID: entityID, Type: typ, Value: value, Source: "test"}
}

func TestRecordSignal_initializesDefaultRecord(t *testing.T) {
	f := newFixture(t)

	rec, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalTaskCompletion, 1.0))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Level != 0 {
		t.Errorf("first record level: got %d, want 0", rec.Level)
	}
	if rec.Score <= 0 || rec.Score > trust.MaxScore {
		t.Errorf("score out of range: %v", rec.Score)
	}

	res, err := f.ledger.Query(ctx, proofledger.Filter{
		AgentID:    "agent-1",
		EventTypes: []proofledger.EventType{proofledger.EventTrustScoreUpdated},
	}, proofledger.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Errorf("expected 1 trust_score_updated event, got %d", len(res.Events))
	}
}

func TestRecordSignal_rejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	cases := []trust.Signal{
		signal("agent-1", trust.SignalTaskCompletion, 1.5),
		signal("agent-1", trust.SignalTaskCompletion, -0.1),
		signal("", trust.SignalTaskCompletion, 0.5),
		signal("agent-1", "behavioral.made_up", 0.5),
		{EntityID: "agent-1", Type: trust.SignalTaskCompletion, Value: 0.5}, // no source
	}
	for i, sig := range cases {
		_, err := f.scorer.RecordSignal(ctx, sig)
		var verr *trust.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("case %d: expected ValidationError, got %v", i, err)
		}
	}

	// Nothing was persisted or recorded for rejected input.
	if _, err := f.scorer.GetScore(ctx, "agent-1"); !errors.Is(err, trust.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity after rejected signals, got %v", err)
	}
}

func TestRecordSignal_scoreStaysInRange(t *testing.T) {
	f := newFixture(t)

	types := []trust.SignalType{
		trust.SignalTaskCompletion, trust.SignalErrorRate,
		trust.SignalResourceDiscipline, trust.SignalVerification,
		trust.SignalCompliance, trust.SignalAnomaly, trust.SignalCapabilityUse,
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		rec, err := f.scorer.RecordSignal(ctx, signal("agent-1", types[rng.Intn(len(types))], rng.Float64()))
		if err != nil {
			t.Fatal(err)
		}
		if rec.Score < 0 || rec.Score > trust.MaxScore {
			t.Fatalf("iteration %d: score %v outside [0,%v]", i, rec.Score, trust.MaxScore)
		}
		f.now = f.now.Add(time.Minute)
	}
}

func TestRecordSignal_promotionWaitsForDwell(t *testing.T) {
	f := newFixture(t)

	// Strong signals across every dimension push the raw score well past L0.
	feed := func() *trust.Record {
		var rec *trust.Record
		var err error
		for _, typ := range []trust.SignalType{
			trust.SignalTaskCompletion, trust.SignalErrorRate,
			trust.SignalResourceDiscipline, trust.SignalVerification,
			trust.SignalCompliance, trust.SignalAnomaly, trust.SignalCapabilityUse,
		} {
			rec, err = f.scorer.RecordSignal(ctx, signal("agent-1", typ, 1.0))
			if err != nil {
				t.Fatal(err)
			}
		}
		return rec
	}

	for i := 0; i < 5; i++ {
		rec := feed()
		if rec.Level != 0 {
			t.Fatalf("promoted to L%d before promotion delay", rec.Level)
		}
	}

	// After the dwell elapses, the next evaluation promotes one band only.
	f.now = f.now.Add(25 * time.Hour)
	rec := feed()
	if rec.Level != 1 {
		t.Fatalf("after dwell: got L%d, want L1", rec.Level)
	}

	// The L1 dwell clock starts fresh: no further promotion yet.
	rec = feed()
	if rec.Level != 1 {
		t.Errorf("promoted past L1 without a new dwell period, got L%d", rec.Level)
	}
}

func TestRecordSignal_demotionOnNextEvaluation(t *testing.T) {
	f := newFixture(t)

	// Build up to L1.
	for i := 0; i < 5; i++ {
		for _, typ := range []trust.SignalType{
			trust.SignalTaskCompletion, trust.SignalErrorRate,
			trust.SignalResourceDiscipline, trust.SignalVerification,
			trust.SignalCompliance, trust.SignalAnomaly, trust.SignalCapabilityUse,
		} {
			if _, err := f.scorer.RecordSignal(ctx, signal("agent-1", typ, 1.0)); err != nil {
				t.Fatal(err)
			}
		}
		f.now = f.now.Add(26 * time.Hour)
	}
	rec, err := f.scorer.GetScore(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Level < 1 {
		t.Fatalf("setup: expected at least L1, got L%d", rec.Level)
	}

	// Hammer the score down; the demotion must land without any delay.
	startLevel := rec.Level
	demoted := false
	for i := 0; i < 40 && !demoted; i++ {
		for _, typ := range []trust.SignalType{
			trust.SignalTaskCompletion, trust.SignalErrorRate,
			trust.SignalResourceDiscipline, trust.SignalVerification,
			trust.SignalCompliance, trust.SignalAnomaly, trust.SignalCapabilityUse,
		} {
			rec, err = f.scorer.RecordSignal(ctx, signal("agent-1", typ, 0.0))
			if err != nil {
				t.Fatal(err)
			}
		}
		demoted = rec.Level < startLevel
	}
	if !demoted {
		t.Fatal("score collapse never demoted the band")
	}
}

func TestAcceleratedDecay_afterFailureBurst(t *testing.T) {
	f := newFixture(t)

	// Establish some trust, then a burst of failures.
	for i := 0; i < 10; i++ {
		if _, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalTaskCompletion, 1.0)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalVerification, 0.0)); err != nil {
			t.Fatal(err)
		}
	}

	active, err := f.scorer.AcceleratedDecayActive(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Fatal("accelerated decay not active after 5 failures in window")
	}

	rec, _ := f.scorer.GetScore(ctx, "agent-1")
	beforeDecay := rec.Score

	// One half-life elapses; accelerated decay doubles the exponent, so the
	// score must fall below half of its pre-decay value.
	f.now = f.now.Add(7 * 24 * time.Hour)
	rec, err = f.scorer.ApplyDecay(ctx, "agent-1", f.now)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Score >= beforeDecay/2 {
		t.Errorf("accelerated decay too slow: %v -> %v", beforeDecay, rec.Score)
	}

	// The failure burst is now outside the trailing window.
	active, err = f.scorer.AcceleratedDecayActive(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("accelerated decay still active after window passed")
	}
}

func TestApplyDecay_normalHalfLife(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		if _, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalTaskCompletion, 1.0)); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := f.scorer.GetScore(ctx, "agent-1")
	before := rec.Score

	f.now = f.now.Add(7 * 24 * time.Hour)
	rec, err := f.scorer.ApplyDecay(ctx, "agent-1", f.now)
	if err != nil {
		t.Fatal(err)
	}
	want := before / 2
	if rec.Score < want*0.99 || rec.Score > want*1.01 {
		t.Errorf("one half-life decay: got %v, want ~%v", rec.Score, want)
	}
}

func TestRecordSignal_propagatesChainBreak(t *testing.T) {
	f := newFixture(t)

	if _, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalTaskCompletion, 1.0)); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.Tamper(0, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.VerifyChain(ctx, 0, -1); err != nil {
		t.Fatal(err)
	}

	_, err := f.scorer.RecordSignal(ctx, signal("agent-1", trust.SignalTaskCompletion, 1.0))
	if !errors.Is(err, proofledger.ErrChainBroken) {
		t.Errorf("expected ErrChainBroken to propagate, got %v", err)
	}
}

func TestCurrentBand_defaultsForStrangers(t *testing.T) {
	f := newFixture(t)
	band, err := f.scorer.CurrentBand(ctx, "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if band.Level != 0 {
		t.Errorf("stranger band: got L%d, want L0", band.Level)
	}
}
