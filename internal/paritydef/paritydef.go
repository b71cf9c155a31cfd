// Package paritydef loads and validates the static, immutable market-parity
// specification: sessions, instruments, tick-rounding rule, and market
// close time that anchor a running engine instance.
package paritydef

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/qtsw2/breakout-engine/internal/util"
)

// RoundingMethod names the tick-rounding rule declared by the spec file.
type RoundingMethod string

// Supported rounding methods, mirroring internal/util's rounding trio.
const (
	RoundNearest RoundingMethod = "nearest"
	RoundFloor   RoundingMethod = "floor"
	RoundCeil    RoundingMethod = "ceil"
)

// Session describes a named trading session's range-start time and the
// slot-times permitted to lock a range for that session.
type Session struct {
	RangeStartTime string   `json:"range_start_time"` // "HH:MM" Chicago
	SlotEndTimes   []string `json:"slot_end_times"`   // "HH:MM" Chicago, permitted slot-times
}

// Instrument describes per-instrument trading parameters.
type Instrument struct {
	TickSize       float64 `json:"tick_size"`
	BaseTarget     float64 `json:"base_target"`
	IsMicro        bool    `json:"is_micro"`
	BaseInstrument string  `json:"base_instrument"` // canonical this micro maps to; empty if not micro
}

// Spec is the immutable, validated snapshot of the market-parity definition.
type Spec struct {
	Sessions        map[string]Session    `json:"sessions"`
	Instruments     map[string]Instrument `json:"instruments"`
	MarketCloseTime string                `json:"market_close_time"` // "HH:MM" Chicago
	RoundingMethod  RoundingMethod        `json:"rounding_method"`
}

// Load reads and validates a parity spec file from disk. Any structural
// defect fails the load outright — the engine must refuse to start rather
// than run with a partially-valid spec.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading parity spec %q: %w", path, err)
	}

	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing parity spec %q: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parity spec %q: %w", path, err)
	}

	return &spec, nil
}

// Validate enforces §4.2's structural rules: every session has a non-empty
// slot_end_times list, and every micro instrument names a base_instrument
// that is itself present in the spec.
func (s *Spec) Validate() error {
	if len(s.Sessions) == 0 {
		return fmt.Errorf("no sessions defined")
	}
	for name, sess := range s.Sessions {
		if sess.RangeStartTime == "" {
			return fmt.Errorf("session %q: range_start_time is required", name)
		}
		if len(sess.SlotEndTimes) == 0 {
			return fmt.Errorf("session %q: slot_end_times must be non-empty", name)
		}
	}

	if len(s.Instruments) == 0 {
		return fmt.Errorf("no instruments defined")
	}
	for name, inst := range s.Instruments {
		if inst.TickSize <= 0 {
			return fmt.Errorf("instrument %q: tick_size must be > 0", name)
		}
		if inst.IsMicro {
			if inst.BaseInstrument == "" {
				return fmt.Errorf("instrument %q: is_micro requires base_instrument", name)
			}
			if _, ok := s.Instruments[inst.BaseInstrument]; !ok {
				return fmt.Errorf("instrument %q: base_instrument %q is not present in spec",
					name, inst.BaseInstrument)
			}
		}
	}

	switch s.RoundingMethod {
	case RoundNearest, RoundFloor, RoundCeil:
	default:
		return fmt.Errorf("rounding_method %q is not one of nearest|floor|ceil", s.RoundingMethod)
	}

	if s.MarketCloseTime == "" {
		return fmt.Errorf("market_close_time is required")
	}

	return nil
}

// AllowsSlotTime reports whether hhmm is among the session's permitted
// slot-end-times.
func (s *Spec) AllowsSlotTime(session, hhmm string) bool {
	sess, ok := s.Sessions[session]
	if !ok {
		return false
	}
	for _, t := range sess.SlotEndTimes {
		if t == hhmm {
			return true
		}
	}
	return false
}

// CanonicalOf resolves a micro instrument to its canonical base instrument;
// for a non-micro instrument it returns the instrument itself.
func (s *Spec) CanonicalOf(instrument string) string {
	inst, ok := s.Instruments[instrument]
	if !ok || !inst.IsMicro {
		return instrument
	}
	return inst.BaseInstrument
}

// RoundTick rounds x to a tick of instrument per the spec's declared
// rounding method (nearest, floor or ceil; nearest when unset).
func (s *Spec) RoundTick(instrument string, x float64) (float64, error) {
	inst, ok := s.Instruments[instrument]
	if !ok {
		return 0, fmt.Errorf("unknown instrument %q", instrument)
	}
	switch s.RoundingMethod {
	case RoundFloor:
		return util.FloorToTick(x, inst.TickSize), nil
	case RoundCeil:
		return util.CeilToTick(x, inst.TickSize), nil
	default:
		return util.RoundToTick(x, inst.TickSize), nil
	}
}
