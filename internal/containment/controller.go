package containment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vorion-labs/cognigate/internal/keyedmutex"
	"github.com/vorion-labs/cognigate/internal/kvstore"
	"github.com/vorion-labs/cognigate/internal/proofledger"
	"github.com/vorion-labs/cognigate/internal/trust"
)

// ErrConditionsNotMet is returned when a de-escalation is requested while
// one or more stored conditions still fail.
var ErrConditionsNotMet = errors.New("de-escalation conditions not met")

// Config holds the controller parameters.
type Config struct {
	// MinLevelChangeInterval debounces transitions: a level change within
	// this interval of the previous one is a no-op unless forced.
	MinLevelChangeInterval time.Duration
}

// DefaultConfig returns the production controller parameters.
func DefaultConfig() Config {
	return Config{MinLevelChangeInterval: 5 * time.Minute}
}

// Request asks for a containment transition.
type Request struct {
	EntityID               string                  `json:"entity_id"`
	Level                  Level                   `json:"level"`
	Reason                 string                  `json:"reason"`
	Restrictions           []string                `json:"restrictions,omitempty"`
	Duration               time.Duration           `json:"duration,omitempty"`
	Initiator              string                  `json:"initiator"`
	Evidence               []string                `json:"evidence,omitempty"`
	Force                  bool                    `json:"force,omitempty"`
	DeescalationConditions []DeescalationCondition `json:"deescalation_conditions,omitempty"`
	EscalationPath         []EscalationStep        `json:"escalation_path,omitempty"`
	Notifications          []Notification          `json:"notifications,omitempty"`
}

func (r *Request) validate() error {
	if r.EntityID == "" {
		return &trust.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if _, err := ParseLevel(string(r.Level)); err != nil {
		return err
	}
	if r.Initiator == "" {
		return &trust.ValidationError{Field: "initiator", Reason: "must not be empty"}
	}
	return nil
}

// Result reports the outcome of a transition attempt. Notifications are
// declarative outputs; delivery is external.
type Result struct {
	EntityID      string         `json:"entity_id"`
	Changed       bool           `json:"changed"`
	PreviousLevel Level          `json:"previous_level"`
	NewLevel      Level          `json:"new_level"`
	State         *State         `json:"state"`
	Warnings      []string       `json:"warnings,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// DeescalationEvidence is the caller-supplied proof for condition checks.
type DeescalationEvidence struct {
	TrustScore     float64 `json:"trust_score"`
	ManualApproval bool    `json:"manual_approval"`
}

// DeescalationStatus reports which stored conditions hold.
type DeescalationStatus struct {
	Eligible bool     `json:"eligible"`
	Unmet    []string `json:"unmet,omitempty"`
}

// Controller is the containment state machine. Transitions for the same
// entity are serialized; the debounce check, the decision, and the state
// swap run as one critical section.
type Controller struct {
	cfg      Config
	store    kvstore.Store[State]
	ledger   proofledger.Ledger
	logger   *zap.Logger
	locks    *keyedmutex.M
	policies *PolicySet

	now func() time.Time
}

// New creates a Controller with the given policy set, which may be nil
// when policy evaluation is driven entirely by explicit requests.
func New(cfg Config, policies *PolicySet, store kvstore.Store[State], ledger proofledger.Ledger, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		logger:   logger,
		locks:    keyedmutex.New(),
		policies: policies,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the entity's current state. Entities never contained before
// report full autonomy; nothing is persisted for them.
func (c *Controller) Get(ctx context.Context, entityID string) (*State, error) {
	st, err := c.store.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return newState(entityID, c.now()), nil
		}
		return nil, fmt.Errorf("load containment state: %w", err)
	}
	return &st, nil
}

// Apply attempts a transition. Same-level requests and debounced requests
// are no-ops reported through Result.Warnings, not errors.
func (c *Controller) Apply(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	c.locks.Lock(req.EntityID)
	defer c.locks.Unlock(req.EntityID)

	return c.transition(ctx, req)
}

// transition runs the read-decide-write cycle. Callers must hold the
// entity lock.
func (c *Controller) transition(ctx context.Context, req Request) (*Result, error) {
	now := c.now()

	st, err := c.store.Get(ctx, req.EntityID)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("load containment state: %w", err)
		}
		st = *newState(req.EntityID, now)
	}

	res := &Result{
		EntityID:      req.EntityID,
		PreviousLevel: st.Level,
		NewLevel:      st.Level,
		State:         &st,
	}

	if req.Level == st.Level {
		res.Warnings = append(res.Warnings, fmt.Sprintf("entity already at level %s", st.Level))
		return res, nil
	}
	if !req.Force && len(st.History) > 0 && now.Sub(st.AppliedAt) < c.cfg.MinLevelChangeInterval {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"level changed %s ago, within the %s debounce interval; transition suppressed",
			now.Sub(st.AppliedAt).Round(time.Second), c.cfg.MinLevelChangeInterval))
		return res, nil
	}

	// History records the transition before the live fields are replaced.
	st.History = append(st.History, HistoryEntry{
		ID:            uuid.New().String(),
		PreviousLevel: st.Level,
		NewLevel:      req.Level,
		Reason:        req.Reason,
		Initiator:     req.Initiator,
		Evidence:      req.Evidence,
		At:            now,
	})

	st.Level = req.Level
	st.Reason = req.Reason
	st.Restrictions = req.Restrictions
	st.AppliedAt = now
	st.Initiator = req.Initiator
	st.DeescalationConditions = req.DeescalationConditions
	st.EscalationPath = req.EscalationPath
	st.ExpiresAt = nil
	if req.Duration > 0 {
		t := now.Add(req.Duration)
		st.ExpiresAt = &t
	}

	if err := c.store.Save(ctx, st.EntityID, st); err != nil {
		return nil, fmt.Errorf("save containment state: %w", err)
	}

	if err := c.emitChange(ctx, &st, res.PreviousLevel, req); err != nil {
		return nil, err
	}

	res.Changed = true
	res.NewLevel = st.Level
	res.State = &st
	res.Notifications = req.Notifications

	c.logger.Info("containment level changed",
		zap.String("entity_id", st.EntityID),
		zap.String("previous_level", string(res.PreviousLevel)),
		zap.String("new_level", string(st.Level)),
		zap.String("initiator", req.Initiator),
	)
	return res, nil
}

// EvaluatePolicies runs every enabled policy against the signal snapshot
// and applies at most one transition: the most restrictive matched level,
// ties broken by lowest priority number, with all matched policy IDs as
// evidence. Policies only escalate; a matched level at or below the
// current one is a no-op.
func (c *Controller) EvaluatePolicies(ctx context.Context, sig Signals) (*Result, error) {
	if sig.EntityID == "" {
		return nil, &trust.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}
	if c.policies == nil {
		return nil, nil
	}
	winner, matched := c.policies.Match(sig)
	if winner == nil {
		return nil, nil
	}

	evidence := make([]string, 0, len(matched))
	for _, p := range matched {
		evidence = append(evidence, p.ID)
	}

	c.locks.Lock(sig.EntityID)
	defer c.locks.Unlock(sig.EntityID)

	st, err := c.store.Get(ctx, sig.EntityID)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("load containment state: %w", err)
	}
	if err == nil && !winner.Action.Level.MoreRestrictiveThan(st.Level) {
		return &Result{
			EntityID:      sig.EntityID,
			PreviousLevel: st.Level,
			NewLevel:      st.Level,
			State:         &st,
			Warnings:      []string{fmt.Sprintf("policy target %s not above current level %s", winner.Action.Level, st.Level)},
		}, nil
	}

	reason := winner.Description
	if reason == "" {
		reason = fmt.Sprintf("policy %s triggered", winner.ID)
	}
	return c.transition(ctx, Request{
		EntityID:               sig.EntityID,
		Level:                  winner.Action.Level,
		Reason:                 reason,
		Restrictions:           winner.Action.Restrictions,
		Duration:               winner.Action.Duration,
		Initiator:              "policy:" + winner.ID,
		Evidence:               evidence,
		DeescalationConditions: winner.DeescalationConditions,
		EscalationPath:         winner.EscalationPath,
		Notifications:          winner.Action.Notifications,
	})
}

// CheckDeescalation evaluates the entity's stored conditions against the
// supplied evidence. It never transitions; it is meant for the external
// periodic job that owns de-escalation timing.
func (c *Controller) CheckDeescalation(ctx context.Context, entityID string, ev DeescalationEvidence) (*DeescalationStatus, error) {
	st, err := c.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return c.checkConditions(st, ev), nil
}

func (c *Controller) checkConditions(st *State, ev DeescalationEvidence) *DeescalationStatus {
	status := &DeescalationStatus{Eligible: true}
	now := c.now()
	for _, cond := range st.DeescalationConditions {
		switch cond.Kind {
		case ConditionElapsed:
			if now.Sub(st.AppliedAt) < cond.MinDuration {
				status.Unmet = append(status.Unmet, fmt.Sprintf(
					"elapsed: %s at level, need %s", now.Sub(st.AppliedAt).Round(time.Second), cond.MinDuration))
			}
		case ConditionTrustRestored:
			if ev.TrustScore < cond.MinScore {
				status.Unmet = append(status.Unmet, fmt.Sprintf(
					"trust_restored: score %.1f below %.1f", ev.TrustScore, cond.MinScore))
			}
		case ConditionManualApproval:
			if !ev.ManualApproval {
				status.Unmet = append(status.Unmet, "manual_approval: not granted")
			}
		default:
			status.Unmet = append(status.Unmet, fmt.Sprintf("unknown condition kind %q", cond.Kind))
		}
	}
	status.Eligible = len(status.Unmet) == 0
	return status
}

// Deescalate reduces severity by one level (or to the given target) once
// every stored condition holds. ErrConditionsNotMet carries the unmet list
// in its wrap.
func (c *Controller) Deescalate(ctx context.Context, entityID string, target Level, initiator string, ev DeescalationEvidence) (*Result, error) {
	if entityID == "" {
		return nil, &trust.ValidationError{Field: "entity_id", Reason: "must not be empty"}
	}

	c.locks.Lock(entityID)
	defer c.locks.Unlock(entityID)

	st, err := c.store.Get(ctx, entityID)
	if err != nil {
		// Includes ErrNotFound: an entity never contained has nothing to
		// de-escalate.
		return nil, fmt.Errorf("load containment state: %w", err)
	}

	if target == "" {
		target = st.Level.StepDown()
	} else if _, err := ParseLevel(string(target)); err != nil {
		return nil, err
	}
	if !st.Level.MoreRestrictiveThan(target) {
		return nil, &trust.ValidationError{Field: "level", Reason: fmt.Sprintf(
			"target %s is not below current level %s", target, st.Level)}
	}

	status := c.checkConditions(&st, ev)
	if !status.Eligible {
		return nil, fmt.Errorf("%w: %v", ErrConditionsNotMet, status.Unmet)
	}

	return c.transition(ctx, Request{
		EntityID:  entityID,
		Level:     target,
		Reason:    "de-escalation conditions satisfied",
		Initiator: initiator,
		Evidence:  []string{fmt.Sprintf("trust_score=%.1f", ev.TrustScore), fmt.Sprintf("manual_approval=%t", ev.ManualApproval)},
	})
}

// ReloadPolicies swaps the active policy set and records the reload.
func (c *Controller) ReloadPolicies(ctx context.Context, ps *PolicySet) error {
	if err := ps.Validate(); err != nil {
		return err
	}
	if c.policies == nil {
		c.policies = ps
	} else {
		c.policies.replace(ps)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"policy_count": len(ps.Policies),
		"source":       ps.Source,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := c.ledger.Append(ctx, &proofledger.Event{
		EventID:    uuid.New().String(),
		EventType:  proofledger.EventPolicyReloaded,
		Payload:    payload,
		OccurredAt: c.now(),
	}); err != nil {
		return fmt.Errorf("record policy reload: %w", err)
	}
	c.logger.Info("containment policies reloaded",
		zap.Int("policy_count", len(ps.Policies)),
		zap.String("source", ps.Source),
	)
	return nil
}

func (c *Controller) emitChange(ctx context.Context, st *State, previous Level, req Request) error {
	payload, err := json.Marshal(map[string]interface{}{
		"previous_level": previous,
		"new_level":      st.Level,
		"reason":         req.Reason,
		"initiator":      req.Initiator,
		"evidence":       req.Evidence,
		"restrictions":   st.Restrictions,
		"forced":         req.Force,
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if _, err := c.ledger.Append(ctx, &proofledger.Event{
		EventID:       uuid.New().String(),
		EventType:     proofledger.EventContainmentChanged,
		CorrelationID: st.EntityID,
		AgentID:       st.EntityID,
		Payload:       payload,
		OccurredAt:    st.AppliedAt,
	}); err != nil {
		return fmt.Errorf("record containment change: %w", err)
	}
	return nil
}
