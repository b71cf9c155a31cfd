package stream

import (
	"sort"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// RangeResult is the retrospective, once-computed opening range. Computed
// only from the closed [range_start, slot_time) window — never accumulated
// tick-by-tick — per §4.7 "Range computation".
type RangeResult struct {
	High        float64
	Low         float64
	FreezeClose float64
	Failure     models.RangeFailure
}

// computeRange derives RangeHigh/RangeLow from the established window and
// FreezeClose from the bar closing right at the lock instant.
//
// RangeHigh/RangeLow are the max/min H/L over every in-window bar except the
// one immediately preceding slot-time; that last bar's Close is FreezeClose,
// the live-tick sample immediate-at-lock compares against the established
// range. Folding the last bar into both the range and the freeze sample
// would make FreezeClose bounded by RangeHigh/RangeLow (a bar's own Close
// never exceeds its own High), which would make immediate-at-lock
// unreachable under ordinary OHLC bars — so the last bar contributes only
// its Close, not its H/L, to the lock-instant comparison.
func computeRange(bars []models.Bar, chicagoOpenOf func(time.Time) time.Time, slotTimeChicago time.Time) RangeResult {
	if len(bars) == 0 {
		return RangeResult{Failure: models.RangeFailureNoBarsInWindow}
	}

	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenUTC.Before(sorted[j].OpenUTC) })

	last := sorted[len(sorted)-1]
	if !chicagoOpenOf(last.OpenUTC).Before(slotTimeChicago) {
		return RangeResult{Failure: models.RangeFailureNoFreezeClose}
	}
	rangeBars := sorted[:len(sorted)-1]
	if len(rangeBars) == 0 {
		rangeBars = sorted
	}

	high := rangeBars[0].High
	low := rangeBars[0].Low
	for _, bar := range rangeBars {
		if bar.High > high {
			high = bar.High
		}
		if bar.Low < low {
			low = bar.Low
		}
	}

	if high < low {
		return RangeResult{Failure: models.RangeFailureInvalidHighLow}
	}

	return RangeResult{High: high, Low: low, FreezeClose: last.Close}
}

// BreakoutLevels are the raw (pre-rounding) and rounded long/short breakout
// prices derived from the locked range.
type BreakoutLevels struct {
	LongRaw    float64
	ShortRaw   float64
	LongRound  float64
	ShortRound float64
}

// computeBreakoutLevels derives §4.7's breakout levels: range_high+tick
// (long) and range_low-tick (short), rounded per the spec's tick-rounding
// rule.
func computeBreakoutLevels(rng RangeResult, tickSize float64, round func(float64) (float64, error)) (BreakoutLevels, error) {
	longRaw := rng.High + tickSize
	shortRaw := rng.Low - tickSize

	longRound, err := round(longRaw)
	if err != nil {
		return BreakoutLevels{}, err
	}
	shortRound, err := round(shortRaw)
	if err != nil {
		return BreakoutLevels{}, err
	}

	return BreakoutLevels{
		LongRaw:    longRaw,
		ShortRaw:   shortRaw,
		LongRound:  longRound,
		ShortRound: shortRound,
	}, nil
}

// EntryDecision describes a detected entry.
type EntryDecision struct {
	Direction     models.Direction
	Entry         float64
	EntryTimeUTC  time.Time
	TriggerReason models.TriggerReason
}

// detectImmediateAtLock evaluates §4.7's immediate-at-lock rule exactly
// once at transition into RANGE_LOCKED. Ties (both directions crossed)
// break to the direction whose rounded breakout is nearer to FreezeClose;
// an exact tie-in-distance breaks to Long.
func detectImmediateAtLock(levels BreakoutLevels, freezeClose float64, slotTimeUTC time.Time) (EntryDecision, bool) {
	long := freezeClose >= levels.LongRound
	short := freezeClose <= levels.ShortRound

	switch {
	case long && short:
		longDist := freezeClose - levels.LongRound
		shortDist := levels.ShortRound - freezeClose
		dir := models.DirectionLong
		price := levels.LongRound
		if shortDist < longDist {
			dir = models.DirectionShort
			price = levels.ShortRound
		}
		return EntryDecision{Direction: dir, Entry: price, EntryTimeUTC: slotTimeUTC, TriggerReason: models.TriggerImmediateAtLock}, true
	case long:
		return EntryDecision{Direction: models.DirectionLong, Entry: levels.LongRound, EntryTimeUTC: slotTimeUTC, TriggerReason: models.TriggerImmediateAtLock}, true
	case short:
		return EntryDecision{Direction: models.DirectionShort, Entry: levels.ShortRound, EntryTimeUTC: slotTimeUTC, TriggerReason: models.TriggerImmediateAtLock}, true
	default:
		return EntryDecision{}, false
	}
}

// detectPostLockBreakout evaluates a single post-lock bar against §4.7's
// breakout rule. If both directions cross on the same bar, Long wins
// deterministically.
func detectPostLockBreakout(bar models.Bar, levels BreakoutLevels) (EntryDecision, bool) {
	long := bar.High >= levels.LongRound
	short := bar.Low <= levels.ShortRound

	switch {
	case long:
		return EntryDecision{Direction: models.DirectionLong, Entry: levels.LongRound, EntryTimeUTC: bar.OpenUTC, TriggerReason: models.TriggerBreakout}, true
	case short:
		return EntryDecision{Direction: models.DirectionShort, Entry: levels.ShortRound, EntryTimeUTC: bar.OpenUTC, TriggerReason: models.TriggerBreakout}, true
	default:
		return EntryDecision{}, false
	}
}

// ProtectiveOrders is the composed stop/target/break-even bracket for a
// detected entry, per §4.7 "Protective-order composition".
type ProtectiveOrders struct {
	Target    float64
	Stop      float64
	BETrigger float64
	BEStop    float64
}

// composeProtectiveOrders derives target/stop/BE-trigger/BE-stop from the
// entry decision, the locked range, and the instrument's baseTarget/tickSize.
func composeProtectiveOrders(entry EntryDecision, rng RangeResult, baseTarget, tickSize float64) ProtectiveOrders {
	sign := entry.Direction.Sign()

	slPoints := rng.High - rng.Low
	if cap := 3 * baseTarget; slPoints > cap {
		slPoints = cap
	}

	return ProtectiveOrders{
		Target:    entry.Entry + sign*baseTarget,
		Stop:      entry.Entry - sign*slPoints,
		BETrigger: entry.Entry + sign*0.65*baseTarget,
		BEStop:    entry.Entry - sign*tickSize,
	}
}
