package stream

import (
	"fmt"
	"sort"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

const barPeriod = time.Minute

// Gap-tolerance thresholds, Chicago-time open-to-open, per §4.7.
const (
	singleGapLimitMinutes     = 3.0
	cumulativeGapLimitMinutes = 6.0
	lateWindowMinutes         = 10.0
	lateGapLimitMinutes       = 2.0
)

// barBuffer holds at most one bar per (bar-open-UTC) key, enforcing the
// LIVE > BARSREQUEST > CSV precedence rule, and tracks Chicago-time
// open-to-open gaps for range-building.
type barBuffer struct {
	bars map[time.Time]models.Bar

	// diagnostics-only bars: accepted into the buffer but outside the
	// [range_start, slot_time) window, so excluded from range computation.
	outOfWindow map[time.Time]models.Bar

	lastAcceptedChicagoOpen time.Time
	cumulativeGapMinutes    float64
	invalidated             bool
	invalidationReason      string
}

func newBarBuffer() *barBuffer {
	return &barBuffer{
		bars:        make(map[time.Time]models.Bar),
		outOfWindow: make(map[time.Time]models.Bar),
	}
}

// insertResult describes what happened to an inserted bar.
type insertResult int

const (
	insertRejectedPartial insertResult = iota
	insertRejectedLowerPrecedence
	insertAcceptedOutOfWindow
	insertAcceptedInWindow
)

// insert attempts to add bar into the buffer. rangeStart/slotTime are the
// Chicago-time window bounds; now is used to reject partial (too-young)
// bars. gapCheckEnabled controls whether gap accounting runs (only
// meaningful during RANGE_BUILDING).
func (b *barBuffer) insert(bar models.Bar, chicagoOpen, rangeStart, slotTime, now time.Time, gapCheckEnabled bool) insertResult {
	if now.Sub(bar.OpenUTC) < barPeriod {
		return insertRejectedPartial
	}

	key := bar.OpenUTC
	inWindow := !chicagoOpen.Before(rangeStart) && chicagoOpen.Before(slotTime)

	if inWindow {
		if existing, ok := b.bars[key]; ok {
			if !models.ShouldReplace(existing.Source, bar.Source) {
				return insertRejectedLowerPrecedence
			}
		}
		b.bars[key] = bar

		if gapCheckEnabled {
			b.accountForGap(chicagoOpen, slotTime)
		}
		return insertAcceptedInWindow
	}

	if existing, ok := b.outOfWindow[key]; ok {
		if !models.ShouldReplace(existing.Source, bar.Source) {
			return insertRejectedLowerPrecedence
		}
	}
	b.outOfWindow[key] = bar
	return insertAcceptedOutOfWindow
}

// accountForGap applies §4.7's gap-tolerance rules against the elapsed
// minutes since the prior accepted bar's Chicago open. On violation the
// buffer is permanently invalidated for the day.
func (b *barBuffer) accountForGap(chicagoOpen, slotTime time.Time) {
	if b.invalidated {
		return
	}

	if !b.lastAcceptedChicagoOpen.IsZero() {
		g := chicagoOpen.Sub(b.lastAcceptedChicagoOpen).Minutes()
		if g > singleGapLimitMinutes {
			b.invalidate("single gap %.1f min exceeds %.1f min limit", g, singleGapLimitMinutes)
			return
		}

		b.cumulativeGapMinutes += g
		if b.cumulativeGapMinutes > cumulativeGapLimitMinutes {
			b.invalidate("cumulative gap %.1f min exceeds %.1f min limit", b.cumulativeGapMinutes, cumulativeGapLimitMinutes)
			return
		}

		minutesToSlot := slotTime.Sub(chicagoOpen).Minutes()
		if minutesToSlot <= lateWindowMinutes && g > lateGapLimitMinutes {
			b.invalidate("late-window gap %.1f min exceeds %.1f min limit within %.0f min of slot-time",
				g, lateGapLimitMinutes, lateWindowMinutes)
			return
		}
	}

	b.lastAcceptedChicagoOpen = chicagoOpen
}

func (b *barBuffer) invalidate(format string, args ...interface{}) {
	b.invalidated = true
	b.invalidationReason = fmt.Sprintf(format, args...)
}

// sortedInWindow returns the in-window accepted bars ordered by bar-open-UTC.
func (b *barBuffer) sortedInWindow() []models.Bar {
	out := make([]models.Bar, 0, len(b.bars))
	for _, bar := range b.bars {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenUTC.Before(out[j].OpenUTC) })
	return out
}
