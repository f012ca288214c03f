package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/keyedmutex"
	"github.com/vorion-labs/cognigate/internal/kvstore"
	"github.com/vorion-labs/cognigate/internal/proofledger"
)

// ErrUnknownEntity is returned when an entity has never been scored.
var ErrUnknownEntity = errors.New("entity has never been scored")

// Config holds the scoring parameters. Use DefaultConfig as a starting
// point; zero values are not meaningful.
type Config struct {
	// Weights is the per-type importance of each taxonomy dimension in the
	// aggregate score. Missing dimensions contribute nothing, so trust must
	// be demonstrated across dimensions to reach the top of the range.
	Weights map[SignalType]float64

	// LearnRate is the EWMA rate at which a new signal shifts its
	// component, in (0,1].
	LearnRate float64

	// FailureThreshold marks a signal as a failure when its value is below it.
	FailureThreshold float64

	// FailureWindow is the trailing window for failure-density accounting.
	FailureWindow time.Duration

	// AcceleratedFailureCount is the failure count within FailureWindow at
	// which accelerated decay switches on.
	AcceleratedFailureCount int

	// DecayHalfLife controls time-based decay toward zero. Accelerated
	// decay halves the effective half-life.
	DecayHalfLife time.Duration

	// MaxRecentFailures bounds the recent-failure list.
	MaxRecentFailures int

	// Bands is the band layout plus hysteresis parameters.
	Bands BandConfig
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Weights: map[SignalType]float64{
			SignalTaskCompletion:     2.0,
			SignalErrorRate:          1.5,
			SignalResourceDiscipline: 1.0,
			SignalVerification:       2.0,
			SignalCompliance:         1.5,
			SignalAnomaly:            1.5,
			SignalCapabilityUse:      0.5,
		},
		LearnRate:               0.3,
		FailureThreshold:        0.3,
		FailureWindow:           24 * time.Hour,
		AcceleratedFailureCount: 5,
		DecayHalfLife:           7 * 24 * time.Hour,
		MaxRecentFailures:       50,
		Bands: BandConfig{
			Bands:            DefaultBands(),
			HysteresisMargin: 25,
			PromotionDelay:   24 * time.Hour,
		},
	}
}

// Scorer ingests behavioral signals and maintains per-entity trust records.
// Updates for the same entity are serialized through a keyed mutex; updates
// for different entities proceed in parallel.
type Scorer struct {
	cfg    Config
	store  kvstore.Store[Record]
	ledger proofledger.Ledger
	logger *zap.Logger
	locks  *keyedmutex.M

	// now is swappable in tests.
	now func() time.Time
}

// NewScorer creates a Scorer over the given persistence adapter and ledger.
func NewScorer(cfg Config, store kvstore.Store[Record], ledger proofledger.Ledger, logger *zap.Logger) *Scorer {
	return &Scorer{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		logger: logger,
		locks:  keyedmutex.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// RecordSignal validates and ingests one signal, returning the updated
// record. The score update, hysteresis band evaluation, and persistence run
// as one critical section per entity. A failed proof-event write is
// surfaced to the caller: an unrecorded governance decision is a safety gap.
func (s *Scorer) RecordSignal(ctx context.Context, sig Signal) (*Record, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = now
	}

	s.locks.Lock(sig.EntityID)
	defer s.locks.Unlock(sig.EntityID)

	rec, err := s.store.Get(ctx, sig.EntityID)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("load trust record: %w", err)
		}
		rec = *newRecord(sig.EntityID, now)
	}

	oldScore, oldLevel := rec.Score, rec.Level

	c := rec.Components[sig.Type]
	rec.Components[sig.Type] = c + (sig.Value-c)*s.cfg.LearnRate
	rec.Score = s.deriveScore(rec.Components)

	if sig.Value < s.cfg.FailureThreshold {
		rec.RecentFailures = append(rec.RecentFailures, Failure{
			SignalID: sig.ID,
			Type:     sig.Type,
			Value:    sig.Value,
			At:       sig.Timestamp,
		})
		if len(rec.RecentFailures) > s.cfg.MaxRecentFailures {
			rec.RecentFailures = rec.RecentFailures[len(rec.RecentFailures)-s.cfg.MaxRecentFailures:]
		}
	}
	rec.pruneFailures(now.Add(-s.cfg.FailureWindow))
	rec.AcceleratedDecayActive = rec.failuresInWindow(now.Add(-s.cfg.FailureWindow)) >= s.cfg.AcceleratedFailureCount
	rec.LastCalculatedAt = now

	if err := s.evaluateBand(&rec, now); err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, rec.EntityID, rec); err != nil {
		return nil, fmt.Errorf("save trust record: %w", err)
	}

	if err := s.emitScoreEvent(ctx, proofledger.EventTrustScoreUpdated, &rec, map[string]interface{}{
		"signal_id":    sig.ID,
		"signal_type":  string(sig.Type),
		"signal_value": sig.Value,
		"old_score":    oldScore,
		"new_score":    rec.Score,
	}); err != nil {
		return nil, err
	}
	if rec.Level != oldLevel {
		if err := s.emitBandEvent(ctx, &rec, oldLevel); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("signal recorded",
		zap.String("entity_id", rec.EntityID),
		zap.String("type", string(sig.Type)),
		zap.Float64("value", sig.Value),
		zap.Float64("score", rec.Score),
		zap.Int("level", rec.Level),
	)
	return &rec, nil
}

// GetScore returns the entity's current trust record, or ErrUnknownEntity.
func (s *Scorer) GetScore(ctx context.Context, entityID string) (*Record, error) {
	rec, err := s.store.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityID)
		}
		return nil, fmt.Errorf("load trust record: %w", err)
	}
	return &rec, nil
}

// CurrentBand returns the entity's band, defaulting to the lowest band for
// never-scored entities so gating has a safe answer for strangers.
func (s *Scorer) CurrentBand(ctx context.Context, entityID string) (Band, error) {
	rec, err := s.GetScore(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrUnknownEntity) {
			return s.cfg.Bands.Bands[0], nil
		}
		return Band{}, err
	}
	return s.cfg.Bands.Band(rec.Level)
}

// BandStatus is the observability view of an entity's band position.
type BandStatus struct {
	Band              Band    `json:"band"`
	Score             float64 `json:"score"`
	PointsToPromotion float64 `json:"points_to_promotion"`
	PointsToDemotion  float64 `json:"points_to_demotion"`
}

// BandStatusFor returns the entity's band plus threshold distances.
func (s *Scorer) BandStatusFor(ctx context.Context, entityID string) (*BandStatus, error) {
	rec, err := s.GetScore(ctx, entityID)
	if err != nil {
		return nil, err
	}
	band, err := s.cfg.Bands.Band(rec.Level)
	if err != nil {
		return nil, err
	}
	return &BandStatus{
		Band:              band,
		Score:             rec.Score,
		PointsToPromotion: s.cfg.Bands.PointsToPromotion(band, rec.Score),
		PointsToDemotion:  s.cfg.Bands.PointsToDemotion(band, rec.Score),
	}, nil
}

// AcceleratedDecayActive reports whether the entity's recent failure
// density currently exceeds the configured threshold.
func (s *Scorer) AcceleratedDecayActive(ctx context.Context, entityID string) (bool, error) {
	rec, err := s.GetScore(ctx, entityID)
	if err != nil {
		return false, err
	}
	cutoff := s.now().Add(-s.cfg.FailureWindow)
	return rec.failuresInWindow(cutoff) >= s.cfg.AcceleratedFailureCount, nil
}

// ApplyDecay recomputes the entity's score for the time elapsed since
// LastCalculatedAt, pruning stale failures. It is invoked by an external
// scheduler, never by the scorer itself. Accelerated decay doubles the
// effective decay rate; it never touches band-dwell accounting.
func (s *Scorer) ApplyDecay(ctx context.Context, entityID string, now time.Time) (*Record, error) {
	s.locks.Lock(entityID)
	defer s.locks.Unlock(entityID)

	rec, err := s.store.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityID)
		}
		return nil, fmt.Errorf("load trust record: %w", err)
	}

	elapsed := now.Sub(rec.LastCalculatedAt)
	if elapsed <= 0 {
		return &rec, nil
	}

	oldScore, oldLevel := rec.Score, rec.Level

	halfLives := elapsed.Seconds() / s.cfg.DecayHalfLife.Seconds()
	if rec.AcceleratedDecayActive {
		halfLives *= 2
	}
	factor := math.Pow(0.5, halfLives)
	for t, c := range rec.Components {
		rec.Components[t] = c * factor
	}
	rec.Score = s.deriveScore(rec.Components)

	rec.pruneFailures(now.Add(-s.cfg.FailureWindow))
	rec.AcceleratedDecayActive = rec.failuresInWindow(now.Add(-s.cfg.FailureWindow)) >= s.cfg.AcceleratedFailureCount
	rec.LastCalculatedAt = now

	if err := s.evaluateBand(&rec, now); err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, rec.EntityID, rec); err != nil {
		return nil, fmt.Errorf("save trust record: %w", err)
	}

	if err := s.emitScoreEvent(ctx, proofledger.EventDecayApplied, &rec, map[string]interface{}{
		"old_score":   oldScore,
		"new_score":   rec.Score,
		"elapsed_ms":  elapsed.Milliseconds(),
		"accelerated": factor < math.Pow(0.5, elapsed.Seconds()/s.cfg.DecayHalfLife.Seconds()),
	}); err != nil {
		return nil, err
	}
	if rec.Level != oldLevel {
		if err := s.emitBandEvent(ctx, &rec, oldLevel); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// DecaySweep applies decay to every known entity. Per-entity errors are
// logged and skipped so one bad record cannot stall the sweep; a broken
// ledger stops it immediately.
func (s *Scorer) DecaySweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := s.ApplyDecay(ctx, id, now); err != nil {
			if errors.Is(err, proofledger.ErrChainBroken) {
				return n, err
			}
			s.logger.Warn("decay failed for entity", zap.String("entity_id", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// deriveScore computes the bounded weighted sum of components. The
// denominator is the full taxonomy weight, so absent dimensions hold the
// score down.
func (s *Scorer) deriveScore(components map[SignalType]float64) float64 {
	var sum, total float64
	for t, w := range s.cfg.Weights {
		total += w
		if c, ok := components[t]; ok {
			sum += w * c
		}
	}
	if total == 0 {
		return 0
	}
	return clampScore(MaxScore * sum / total)
}

// evaluateBand runs the hysteresis evaluation and appends to the band
// history on change. Must be called with the entity lock held.
func (s *Scorer) evaluateBand(rec *Record, now time.Time) error {
	current, err := s.cfg.Bands.Band(rec.Level)
	if err != nil {
		return err
	}
	next := s.cfg.Bands.Evaluate(current, rec.BandHistory, rec.Score, now)
	if next.Level == current.Level {
		return nil
	}
	rec.Level = next.Level
	rec.BandHistory = append(rec.BandHistory, BandChange{Level: next.Level, Score: rec.Score, At: now})
	const maxHistory = 100
	if len(rec.BandHistory) > maxHistory {
		rec.BandHistory = rec.BandHistory[len(rec.BandHistory)-maxHistory:]
	}
	return nil
}

func (s *Scorer) emitScoreEvent(ctx context.Context, t proofledger.EventType, rec *Record, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := s.ledger.Append(ctx, &proofledger.Event{
		EventID:       uuid.New().String(),
		EventType:     t,
		CorrelationID: rec.EntityID,
		AgentID:       rec.EntityID,
		Payload:       body,
		OccurredAt:    rec.LastCalculatedAt,
	}); err != nil {
		return fmt.Errorf("record proof event: %w", err)
	}
	return nil
}

func (s *Scorer) emitBandEvent(ctx context.Context, rec *Record, oldLevel int) error {
	body, err := json.Marshal(map[string]interface{}{
		"old_level": oldLevel,
		"new_level": rec.Level,
		"score":     rec.Score,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := s.ledger.Append(ctx, &proofledger.Event{
		EventID:       uuid.New().String(),
		EventType:     proofledger.EventBandChanged,
		CorrelationID: rec.EntityID,
		AgentID:       rec.EntityID,
		Payload:       body,
		OccurredAt:    rec.LastCalculatedAt,
	}); err != nil {
		return fmt.Errorf("record proof event: %w", err)
	}
	s.logger.Info("trust band changed",
		zap.String("entity_id", rec.EntityID),
		zap.Int("old_level", oldLevel),
		zap.Int("new_level", rec.Level),
		zap.Float64("score", rec.Score),
	)
	return nil
}
