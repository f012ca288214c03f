package trust

import (
	"fmt"
	"time"
)

// Band is one discrete trust level with its score range. Ranges are
// [Min, Max), except the top band which includes its Max.
type Band struct {
	Level int     `json:"level"`
	Name  string  `json:"name"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// BandConfig holds the ordered band thresholds plus the anti-flapping
// parameters: a hysteresis margin around each threshold and a minimum dwell
// time before promotion. Demotion has no delay.
type BandConfig struct {
	Bands            []Band
	HysteresisMargin float64
	PromotionDelay   time.Duration
}

// DefaultBands returns the six-band L0..L5 layout over [0, 1000].
func DefaultBands() []Band {
	return []Band{
		{Level: 0, Name: "L0", Min: 0, Max: 100},
		{Level: 1, Name: "L1", Min: 100, Max: 300},
		{Level: 2, Name: "L2", Min: 300, Max: 500},
		{Level: 3, Name: "L3", Min: 500, Max: 700},
		{Level: 4, Name: "L4", Min: 700, Max: 900},
		{Level: 5, Name: "L5", Min: 900, Max: 1000},
	}
}

// Band returns the band definition for a level.
func (c BandConfig) Band(level int) (Band, error) {
	for _, b := range c.Bands {
		if b.Level == level {
			return b, nil
		}
	}
	return Band{}, fmt.Errorf("unknown band level %d", level)
}

// rawBand maps a score onto a band with no memory of history.
func (c BandConfig) rawBand(score float64) Band {
	last := c.Bands[len(c.Bands)-1]
	for _, b := range c.Bands {
		if score >= b.Min && score < b.Max {
			return b
		}
	}
	return last // score == top Max
}

// Evaluate applies the hysteresis rules to decide the entity's next band.
//
// Promotion requires the score to clear the current band's upper threshold
// by the hysteresis margin AND the entity to have dwelt at the current band
// for at least PromotionDelay; it advances one band at a time even when the
// raw score would justify skipping. Demotion happens immediately once the
// score drops below the current band's lower threshold by the margin.
func (c BandConfig) Evaluate(current Band, history []BandChange, score float64, now time.Time) Band {
	raw := c.rawBand(score)
	switch {
	case raw.Level == current.Level:
		return current

	case raw.Level > current.Level:
		if score < current.Max+c.HysteresisMargin {
			return current
		}
		if !c.canPromoteByTime(current, history, now) {
			return current
		}
		next, err := c.Band(current.Level + 1)
		if err != nil {
			return current
		}
		return next

	default: // demotion candidate
		if score > current.Min-c.HysteresisMargin {
			return current
		}
		return raw
	}
}

// canPromoteByTime reports whether the entity has dwelt at the current band
// for at least PromotionDelay. The dwell start is found by scanning the
// band history backward from the most recent entry while it remains the
// same band.
func (c BandConfig) canPromoteByTime(current Band, history []BandChange, now time.Time) bool {
	if len(history) == 0 {
		return false
	}
	var since time.Time
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Level != current.Level {
			break
		}
		since = history[i].At
	}
	if since.IsZero() {
		// Most recent entry is not the current band; no dwell established.
		return false
	}
	return now.Sub(since) >= c.PromotionDelay
}

// PointsToPromotion returns how many score points the entity is away from
// clearing the promotion threshold of its current band. Zero at the top.
func (c BandConfig) PointsToPromotion(current Band, score float64) float64 {
	if current.Level == c.Bands[len(c.Bands)-1].Level {
		return 0
	}
	d := current.Max + c.HysteresisMargin - score
	if d < 0 {
		return 0
	}
	return d
}

// PointsToDemotion returns how many score points of slack remain before the
// entity would be demoted. Zero at the bottom.
func (c BandConfig) PointsToDemotion(current Band, score float64) float64 {
	if current.Level == c.Bands[0].Level {
		return 0
	}
	d := score - (current.Min - c.HysteresisMargin)
	if d < 0 {
		return 0
	}
	return d
}
