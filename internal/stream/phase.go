// Package stream implements the per-stream range/entry state machine: the
// deepest core of the breakout engine. A Stream owns one (canonical
// instrument, session, slot-time) decision unit for one trading date.
package stream

import "fmt"

// Phase is a stream's position in its lifecycle.
//
//	PRE_HYDRATION -> ARMED -> RANGE_BUILDING -> RANGE_LOCKED -> DONE
//
// DONE is terminal: committed streams always resolve to DONE and never
// re-arm within a run (§4.7, testable property 3).
type Phase string

// Stream lifecycle phases, per §4.7.
const (
	PhasePreHydration  Phase = "PRE_HYDRATION"
	PhaseArmed         Phase = "ARMED"
	PhaseRangeBuilding Phase = "RANGE_BUILDING"
	PhaseRangeLocked   Phase = "RANGE_LOCKED"
	PhaseDone          Phase = "DONE"
)

// transition names one allowed phase move and the condition under which it
// happens, mirroring the teacher's (from, to, condition) transition-table
// shape used for position-state transitions, generalized to stream phases.
type transition struct {
	From      Phase
	To        Phase
	Condition string
}

// validTransitions enumerates every allowed phase move. Phases not named
// here as a From/To pair are unreachable from one another directly.
var validTransitions = []transition{
	{PhasePreHydration, PhaseArmed, "hydration_complete"},
	{PhaseArmed, PhaseRangeBuilding, "range_start_reached"},
	{PhaseRangeBuilding, PhaseRangeLocked, "slot_time_reached"},
	{PhaseRangeBuilding, PhaseDone, "range_invalidated"},
	{PhaseRangeBuilding, PhaseDone, "range_data_missing"},
	{PhaseRangeLocked, PhaseDone, "entry_detected"},
	{PhaseRangeLocked, PhaseDone, "market_close_cutoff"},
	{PhaseRangeLocked, PhaseDone, "range_data_missing"},
	// Fail-closed transitions reachable from any non-terminal phase.
	{PhasePreHydration, PhaseDone, "stand_down"},
	{PhaseArmed, PhaseDone, "stand_down"},
	{PhaseRangeBuilding, PhaseDone, "stand_down"},
	{PhaseRangeLocked, PhaseDone, "stand_down"},
}

var transitionLookup map[Phase]map[Phase]map[string]bool

func init() {
	transitionLookup = make(map[Phase]map[Phase]map[string]bool)
	for _, t := range validTransitions {
		if transitionLookup[t.From] == nil {
			transitionLookup[t.From] = make(map[Phase]map[string]bool)
		}
		if transitionLookup[t.From][t.To] == nil {
			transitionLookup[t.From][t.To] = make(map[string]bool)
		}
		transitionLookup[t.From][t.To][t.Condition] = true
	}
}

// isValidTransition reports whether moving from `from` to `to` under
// `condition` is a defined transition.
func isValidTransition(from, to Phase, condition string) bool {
	if toMap, ok := transitionLookup[from]; ok {
		if condMap, ok := toMap[to]; ok {
			return condMap[condition]
		}
	}
	return false
}

func errInvalidTransition(from, to Phase, condition string) error {
	return fmt.Errorf("invalid stream phase transition from %s to %s with condition %q", from, to, condition)
}
