package trust

import "time"

// MaxScore is the upper bound of the trust score range. Scores are always
// clamped into [0, MaxScore].
const MaxScore = 1000.0

// Failure is one recent low-value signal, kept for accelerated-decay
// accounting.
type Failure struct {
	SignalID string     `json:"signal_id"`
	Type     SignalType `json:"type"`
	Value    float64    `json:"value"`
	At       time.Time  `json:"at"`
}

// BandChange is one entry in an entity's band history. The promotion-delay
// clock is computed by scanning these backward.
type BandChange struct {
	Level int       `json:"level"`
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// Record is the per-entity trust state. One record per entity, owned
// exclusively by the Scorer; mutated only through signal ingestion or decay
// sweeps, never deleted.
type Record struct {
	EntityID               string                 `json:"entity_id"`
	Score                  float64                `json:"score"`
	Level                  int                    `json:"level"`
	Components             map[SignalType]float64 `json:"components"`
	RecentFailures         []Failure              `json:"recent_failures,omitempty"`
	BandHistory            []BandChange           `json:"band_history"`
	CreatedAt              time.Time              `json:"created_at"`
	LastCalculatedAt       time.Time              `json:"last_calculated_at"`
	AcceleratedDecayActive bool                   `json:"accelerated_decay_active"`
}

// newRecord initializes the default record for a never-scored entity: the
// lowest score and band.
func newRecord(entityID string, now time.Time) *Record {
	return &Record{
		EntityID:         entityID,
		Score:            0,
		Level:            0,
		Components:       make(map[SignalType]float64),
		BandHistory:      []BandChange{{Level: 0, Score: 0, At: now}},
		CreatedAt:        now,
		LastCalculatedAt: now,
	}
}

// failuresInWindow counts recent failures at or after cutoff.
func (r *Record) failuresInWindow(cutoff time.Time) int {
	n := 0
	for _, f := range r.RecentFailures {
		if !f.At.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneFailures drops failures that fell outside the trailing window.
func (r *Record) pruneFailures(cutoff time.Time) {
	kept := r.RecentFailures[:0]
	for _, f := range r.RecentFailures {
		if !f.At.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	r.RecentFailures = kept
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}
