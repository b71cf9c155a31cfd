// Package risk implements the pure RiskGate function that is the single
// place execution permission is decided, per §4.6.
package risk

import (
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// Mode is the engine's execution mode.
type Mode string

// Execution modes, per §6. LIVE is rejected at startup before it ever
// reaches the gate; the gate still recognizes it defensively.
const (
	ModeDryRun Mode = "DRYRUN"
	ModeSim    Mode = "SIM"
	ModeLive   Mode = "LIVE"
)

// Params bundles everything the gate needs to decide, per §4.6's signature:
// (execution mode, trading-date, stream, instrument, session, slot-time,
// timetable_validated, stream_armed, now).
type Params struct {
	Mode               Mode
	KillSwitchEnabled  bool
	RecoveryState      models.RecoveryState
	TimetableValidated bool
	StreamArmed        bool
	SessionKnown       bool
	SlotTimeUTC        time.Time
	Now                time.Time
	IsEmergencyFlatten bool
}

// Gate is a pure evaluation function; it has no state and performs no I/O.
type Gate func(Params) (allowed bool, reason string)

// Evaluate is the default RiskGate implementation. Emergency flatten paths
// bypass every other check (§4.8).
func Evaluate(p Params) (bool, string) {
	if p.IsEmergencyFlatten {
		return true, ""
	}
	if p.Mode == ModeLive {
		return false, "live trading is blocked"
	}
	if p.KillSwitchEnabled {
		return false, "kill switch enabled"
	}
	if !p.RecoveryState.AllowsExecution() {
		return false, "recovery state " + string(p.RecoveryState) + " does not allow execution"
	}
	if !p.TimetableValidated {
		return false, "timetable not validated"
	}
	if !p.StreamArmed {
		return false, "stream not armed"
	}
	if !p.SessionKnown {
		return false, "session unknown"
	}
	if p.Now.Before(p.SlotTimeUTC) {
		return false, "slot time not reached"
	}
	return true, ""
}
