package trust_test

import (
	"testing"
	"time"

	"github.com/vorion-labs/cognigate/internal/trust"
)

func bandConfig() trust.BandConfig {
	return trust.BandConfig{
		Bands:            trust.DefaultBands(),
		HysteresisMargin: 25,
		PromotionDelay:   24 * time.Hour,
	}
}

func mustBand(t *testing.T, c trust.BandConfig, level int) trust.Band {
	t.Helper()
	b, err := c.Band(level)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEvaluate_holdsWithinHysteresisMargin(t *testing.T) {
	c := bandConfig()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	history := []trust.BandChange{{Level: 1, At: now.Add(-48 * time.Hour)}}
	l1 := mustBand(t, c, 1) // [100, 300)

	// Oscillate around the upper threshold within the margin: no change.
	for _, score := range []float64{295, 305, 310, 324, 301} {
		got := c.Evaluate(l1, history, score, now)
		if got.Level != 1 {
			t.Errorf("score %v: band changed to L%d inside hysteresis margin", score, got.Level)
		}
	}

	// Oscillate around the lower threshold within the margin: no change.
	for _, score := range []float64{105, 95, 80, 76, 99} {
		got := c.Evaluate(l1, history, score, now)
		if got.Level != 1 {
			t.Errorf("score %v: band changed to L%d inside hysteresis margin", score, got.Level)
		}
	}
}

func TestEvaluate_promotionRequiresMarginAndDwell(t *testing.T) {
	c := bandConfig()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	l1 := mustBand(t, c, 1)

	// Margin cleared but dwell too short: hold.
	short := []trust.BandChange{{Level: 1, At: now.Add(-time.Hour)}}
	if got := c.Evaluate(l1, short, 330, now); got.Level != 1 {
		t.Errorf("promoted to L%d before promotion delay elapsed", got.Level)
	}

	// Dwell satisfied but margin not cleared: hold.
	long := []trust.BandChange{{Level: 1, At: now.Add(-48 * time.Hour)}}
	if got := c.Evaluate(l1, long, 320, now); got.Level != 1 {
		t.Errorf("promoted to L%d without clearing hysteresis margin", got.Level)
	}

	// Both satisfied: promote exactly one band.
	if got := c.Evaluate(l1, long, 330, now); got.Level != 2 {
		t.Errorf("expected promotion to L2, got L%d", got.Level)
	}
}

func TestEvaluate_promotionNeverSkipsBands(t *testing.T) {
	c := bandConfig()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	l1 := mustBand(t, c, 1)
	history := []trust.BandChange{{Level: 1, At: now.Add(-72 * time.Hour)}}

	// A score deep in L5 territory still advances only one band.
	if got := c.Evaluate(l1, history, 950, now); got.Level != 2 {
		t.Errorf("expected single-step promotion to L2, got L%d", got.Level)
	}
}

func TestEvaluate_demotionIsImmediate(t *testing.T) {
	c := bandConfig()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	l2 := mustBand(t, c, 2) // [300, 500)

	// Fresh arrival at L2; dwell is irrelevant for demotion.
	history := []trust.BandChange{{Level: 2, At: now.Add(-time.Minute)}}

	if got := c.Evaluate(l2, history, 275, now); got.Level != 1 {
		t.Errorf("expected immediate demotion to L1, got L%d", got.Level)
	}

	// Demotion follows the raw band even across several levels.
	if got := c.Evaluate(l2, history, 50, now); got.Level != 0 {
		t.Errorf("expected demotion to L0, got L%d", got.Level)
	}
}

func TestEvaluate_dwellScansHistoryBackward(t *testing.T) {
	c := bandConfig()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	l1 := mustBand(t, c, 1)

	// Entity bounced L1→L2→L1; only the latest L1 stretch counts as dwell.
	history := []trust.BandChange{
		{Level: 1, At: now.Add(-100 * time.Hour)},
		{Level: 2, At: now.Add(-50 * time.Hour)},
		{Level: 1, At: now.Add(-2 * time.Hour)},
	}
	if got := c.Evaluate(l1, history, 330, now); got.Level != 1 {
		t.Errorf("dwell reset by demotion was ignored: promoted to L%d", got.Level)
	}
}

func TestPointsToThresholds(t *testing.T) {
	c := bandConfig()
	l1 := mustBand(t, c, 1)

	if d := c.PointsToPromotion(l1, 200); d != 125 {
		t.Errorf("PointsToPromotion: got %v, want 125", d)
	}
	if d := c.PointsToDemotion(l1, 200); d != 125 {
		t.Errorf("PointsToDemotion: got %v, want 125", d)
	}

	top := mustBand(t, c, 5)
	if d := c.PointsToPromotion(top, 950); d != 0 {
		t.Errorf("PointsToPromotion at top band: got %v, want 0", d)
	}
	bottom := mustBand(t, c, 0)
	if d := c.PointsToDemotion(bottom, 50); d != 0 {
		t.Errorf("PointsToDemotion at bottom band: got %v, want 0", d)
	}
}
