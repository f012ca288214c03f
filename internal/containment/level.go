// Package containment maintains a graded operational posture per entity,
// from full autonomy down to a complete halt, driven by declarative
// policies. It exposes the current restrictions to callers and records
// every transition on the proof ledger.
package containment

import (
	"fmt"

	"github.com/vorion-labs/cognigate/internal/trust"
)

// Level is one step of the containment posture. Levels are totally
// ordered by severity; a higher severity means tighter restrictions.
type Level string

const (
	LevelFullAutonomy   Level = "full_autonomy"
	LevelMonitored      Level = "monitored"
	LevelToolRestricted Level = "tool_restricted"
	LevelHumanInLoop    Level = "human_in_loop"
	LevelSimulationOnly Level = "simulation_only"
	LevelReadOnly       Level = "read_only"
	LevelHalted         Level = "halted"
)

var severity = map[Level]int{
	LevelFullAutonomy:   0,
	LevelMonitored:      1,
	LevelToolRestricted: 2,
	LevelHumanInLoop:    3,
	LevelSimulationOnly: 4,
	LevelReadOnly:       5,
	LevelHalted:         6,
}

// Levels returns every level in ascending severity order.
func Levels() []Level {
	return []Level{
		LevelFullAutonomy, LevelMonitored, LevelToolRestricted,
		LevelHumanInLoop, LevelSimulationOnly, LevelReadOnly, LevelHalted,
	}
}

// ParseLevel validates a wire-format level.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if _, ok := severity[l]; !ok {
		return "", &trust.ValidationError{Field: "level", Reason: fmt.Sprintf("unknown containment level %q", s)}
	}
	return l, nil
}

// Severity returns the level's position in the order, 0 for full autonomy.
func (l Level) Severity() int { return severity[l] }

// MoreRestrictiveThan reports whether l is strictly more severe than o.
func (l Level) MoreRestrictiveThan(o Level) bool { return severity[l] > severity[o] }

// StepDown returns the next less restrictive level, or l itself when it is
// already the least restrictive.
func (l Level) StepDown() Level {
	s := severity[l]
	if s == 0 {
		return l
	}
	return Levels()[s-1]
}
