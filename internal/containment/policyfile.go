package containment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vorion-labs/cognigate/internal/trust"
)

// PolicySet is the active collection of containment policies. It is safe
// for concurrent Match calls while a reload replaces its contents.
type PolicySet struct {
	mu       sync.RWMutex
	Policies []Policy
	Source   string
}

// NewPolicySet wraps a static policy list.
func NewPolicySet(policies []Policy) *PolicySet {
	return &PolicySet{Policies: policies, Source: "static"}
}

// Validate checks every policy in the set.
func (ps *PolicySet) Validate() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	seen := make(map[string]bool, len(ps.Policies))
	for _, p := range ps.Policies {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return &trust.ValidationError{Field: "policy.id", Reason: fmt.Sprintf("duplicate policy id %q", p.ID)}
		}
		seen[p.ID] = true
	}
	return nil
}

// Match evaluates the set against a signal snapshot.
func (ps *PolicySet) Match(sig Signals) (*Policy, []Policy) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return selectMatch(ps.Policies, sig)
}

// Len returns the number of policies in the set.
func (ps *PolicySet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.Policies)
}

func (ps *PolicySet) replace(next *PolicySet) {
	ps.mu.Lock()
	ps.Policies = next.Policies
	ps.Source = next.Source
	ps.mu.Unlock()
}

// File schema. Durations are human-readable strings ("30m", "24h") and
// converted on load.
type policyFile struct {
	Policies []struct {
		ID           string  `yaml:"id"`
		Description  string  `yaml:"description"`
		Enabled      *bool   `yaml:"enabled"`
		Priority     int     `yaml:"priority"`
		Trigger      Trigger `yaml:"trigger"`
		Action       struct {
			Level         string         `yaml:"level"`
			Restrictions  []string       `yaml:"restrictions"`
			Duration      string         `yaml:"duration"`
			Notifications []Notification `yaml:"notifications"`
		} `yaml:"action"`
		DeescalationConditions []struct {
			Kind        string  `yaml:"kind"`
			MinDuration string  `yaml:"min_duration"`
			MinScore    float64 `yaml:"min_score"`
		} `yaml:"deescalation_conditions"`
		EscalationPath []EscalationStep `yaml:"escalation_path"`
	} `yaml:"policies"`
}

// LoadPolicyFile parses a YAML policy file into a validated set. A missing
// file yields an empty set so a deployment can start without policies.
func LoadPolicyFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PolicySet{Source: path}, nil
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	set := &PolicySet{Source: path}
	for _, fp := range file.Policies {
		p := Policy{
			ID:             fp.ID,
			Description:    fp.Description,
			Enabled:        fp.Enabled == nil || *fp.Enabled,
			Priority:       fp.Priority,
			Trigger:        fp.Trigger,
			EscalationPath: fp.EscalationPath,
		}
		p.Action.Level = Level(fp.Action.Level)
		p.Action.Restrictions = fp.Action.Restrictions
		p.Action.Notifications = fp.Action.Notifications
		if fp.Action.Duration != "" {
			d, err := time.ParseDuration(fp.Action.Duration)
			if err != nil {
				return nil, fmt.Errorf("policy %q: parse action duration: %w", fp.ID, err)
			}
			p.Action.Duration = d
		}
		for _, fc := range fp.DeescalationConditions {
			cond := DeescalationCondition{Kind: ConditionKind(fc.Kind), MinScore: fc.MinScore}
			if fc.MinDuration != "" {
				d, err := time.ParseDuration(fc.MinDuration)
				if err != nil {
					return nil, fmt.Errorf("policy %q: parse condition duration: %w", fp.ID, err)
				}
				cond.MinDuration = d
			}
			p.DeescalationConditions = append(p.DeescalationConditions, cond)
		}
		set.Policies = append(set.Policies, p)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// Watcher hot-reloads the policy file on change.
type Watcher struct {
	watcher    *fsnotify.Watcher
	controller *Controller
	path       string
	logger     *zap.Logger
}

// NewWatcher creates a file watcher over the policy file.
func NewWatcher(controller *Controller, path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Watcher{watcher: fw, controller: controller, path: path, logger: logger}, nil
}

// Run blocks until ctx is cancelled, reloading after file writes. Reloads
// are debounced so editors that write in bursts trigger one reload.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					w.reload()
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	set, err := LoadPolicyFile(w.path)
	if err != nil {
		w.logger.Error("policy reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	if err := w.controller.ReloadPolicies(context.Background(), set); err != nil {
		w.logger.Error("policy reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
}
