package stream

import (
	"context"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/risk"
)

// OnBar routes one bar into the stream, subject to validation, dedup, and
// gap accounting, then (if RANGE_LOCKED) evaluates post-lock breakout.
// Per §4.7/§7: invalid bars are dropped and the stream continues —
// per-bar failures are never stream-fail-closed.
func (s *Stream) OnBar(bar models.Bar, now time.Time) {
	if s.committed {
		return
	}
	if err := bar.Validate(); err != nil {
		s.log.Printf("stream %s: rejecting invalid bar: %v", s.cfg.StreamID, err)
		return
	}

	s.acceptBar(bar, now)

	if s.phase == PhaseRangeLocked && s.entry == nil {
		s.evaluatePostLockBar(bar, now)
	}
}

// acceptBar inserts bar into the buffer and, during RANGE_BUILDING, runs
// gap accounting; a gap violation permanently invalidates the stream's
// range for the day with a single high-priority alert.
func (s *Stream) acceptBar(bar models.Bar, now time.Time) {
	chicagoOpen := s.chicagoOf(bar.OpenUTC)
	gapCheckEnabled := s.phase == PhaseRangeBuilding

	s.buf.insert(bar, chicagoOpen, s.rangeStartChicago, s.slotTimeChicago, now, gapCheckEnabled)
	s.hydrationComplete = s.hydrationComplete || len(s.buf.bars) > 0 || len(s.buf.outOfWindow) > 0

	if gapCheckEnabled && s.buf.invalidated && !s.gapAlertEmitted {
		s.gapAlertEmitted = true
		if s.alerts != nil {
			s.alerts.Alert(s.cfg.StreamID, "range invalidated: "+s.buf.invalidationReason)
		}
		s.commit(models.CommitRangeInvalidated, now)
	}
}

// Tick advances the stream's phase in response to the passage of time. It
// never surfaces an error to the host; a panic is not recovered here nor by
// the engine's Tick.
func (s *Stream) Tick(now time.Time) {
	if s.committed {
		return
	}

	switch s.phase {
	case PhasePreHydration:
		s.tickPreHydration(now)
	case PhaseArmed:
		s.tickArmed(now)
	case PhaseRangeBuilding:
		s.tickRangeBuilding(now)
	case PhaseRangeLocked:
		s.tickRangeLocked(now)
	}
}

func (s *Stream) tickPreHydration(now time.Time) {
	complete := s.hydrationComplete || !now.Before(s.rangeStartChicago.UTC())
	if !complete && now.Before(s.hydrationDeadline) {
		return
	}
	s.transition(PhaseArmed, "hydration_complete")
	s.persist(now)
}

func (s *Stream) tickArmed(now time.Time) {
	if !now.Before(s.rangeStartChicago.UTC()) {
		s.transition(PhaseRangeBuilding, "range_start_reached")
		s.persist(now)
	}
}

func (s *Stream) tickRangeBuilding(now time.Time) {
	if s.buf.invalidated {
		return // already committed by acceptBar
	}
	if now.Before(s.slotTimeUTC) {
		return
	}
	s.lockRange(now)
}

func (s *Stream) lockRange(now time.Time) {
	rng := computeRange(s.buf.sortedInWindow(), s.chicagoOf, s.slotTimeChicago)
	if rng.Failure != models.RangeFailureNone {
		if !now.Before(s.slotTimeUTC.Add(retryBudget)) {
			s.commit(models.CommitNoTradeRangeMissing, now)
		}
		return
	}

	levels, err := computeBreakoutLevels(rng, s.cfg.TickSize, s.cfg.RoundTick)
	if err != nil {
		s.log.Printf("stream %s: breakout level rounding failed: %v", s.cfg.StreamID, err)
		if !now.Before(s.slotTimeUTC.Add(retryBudget)) {
			s.commit(models.CommitNoTradeRangeMissing, now)
		}
		return
	}

	s.rangeResult = rng
	s.breakoutLevels = levels
	s.rangeLockedAt = now
	s.transition(PhaseRangeLocked, "slot_time_reached")
	s.persist(now)

	if decision, ok := detectImmediateAtLock(levels, rng.FreezeClose, s.slotTimeUTC); ok {
		s.onEntryDetected(decision, now)
	}
}

func (s *Stream) tickRangeLocked(now time.Time) {
	if s.entry != nil {
		return
	}
	if !now.Before(s.marketCloseUTC) {
		s.commit(models.CommitNoTradeMarketClose, now)
	}
}

func (s *Stream) evaluatePostLockBar(bar models.Bar, now time.Time) {
	if bar.OpenUTC.Before(s.slotTimeUTC) || !bar.OpenUTC.Before(s.marketCloseUTC) {
		return
	}
	if decision, ok := detectPostLockBreakout(bar, s.breakoutLevels); ok {
		s.onEntryDetected(decision, now)
	}
}

func (s *Stream) onEntryDetected(decision EntryDecision, now time.Time) {
	s.entry = &decision
	protective := composeProtectiveOrders(decision, s.rangeResult, s.cfg.BaseTarget, s.cfg.TickSize)
	s.protective = &protective

	intent := models.Intent{
		TradingDate:   s.cfg.TradingDate,
		StreamID:      s.cfg.StreamID,
		Instrument:    s.cfg.ExecutionInstrument,
		Session:       s.cfg.Session,
		SlotTime:      s.cfg.SlotTimeHHMM,
		Direction:     decision.Direction,
		Entry:         decision.Entry,
		Stop:          protective.Stop,
		Target:        protective.Target,
		BETrigger:     protective.BETrigger,
		BEStop:        protective.BEStop,
		EntryTimeUTC:  decision.EntryTimeUTC,
		TriggerReason: decision.TriggerReason,
		Qty:           s.cfg.Qty,
	}
	s.intent = &intent

	s.submit(intent, now)
}

// submit runs §4.7's submission sequencing: idempotency check against the
// execution journal, then the RiskGate, then the adapter call.
func (s *Stream) submit(intent models.Intent, now time.Time) {
	intentID := intent.IntentID()

	if s.execution != nil {
		if already, err := s.execution.IsIntentSubmitted(intentID); err != nil {
			s.log.Printf("stream %s: execution journal check failed: %v", s.cfg.StreamID, err)
		} else if already {
			s.log.Printf("stream %s: intent %s already submitted, skipping (EXECUTION_SKIPPED_DUPLICATE)", s.cfg.StreamID, intentID)
			s.commit(models.CommitEntryFilled, now)
			return
		}
	}

	allowed := true
	reason := ""
	if s.guard != nil && !s.guard.IsExecutionAllowed() {
		allowed = false
		reason = s.guard.RecoveryStateReason()
	}
	if allowed && s.gate != nil {
		params := risk.Params{
			StreamArmed:  true,
			SessionKnown: true,
			SlotTimeUTC:  s.slotTimeUTC,
			Now:          now,
		}
		if s.guard != nil {
			params.Mode = s.guard.Mode()
			params.RecoveryState = s.guard.RecoveryState()
			params.TimetableValidated = s.guard.TimetableValidated()
			params.KillSwitchEnabled = s.guard.KillSwitchEnabled()
		} else {
			params.Mode = risk.ModeDryRun
			params.RecoveryState = models.RecoveryConnectedOK
			params.TimetableValidated = true
		}
		allowed, reason = s.gate(params)
	}

	if !allowed {
		s.log.Printf("stream %s: risk gate denied submission: %s", s.cfg.StreamID, reason)
		if s.execution != nil {
			_ = s.execution.RecordRejection(intent, reason)
		}
		s.commit(models.CommitStreamStandDown, now)
		return
	}

	var brokerOrderID string
	var err error
	if s.adapter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		brokerOrderID, err = s.adapter.SubmitEntryOrder(ctx, intentID, s.cfg.ExecutionInstrument, intent.Direction, intent.Entry, intent.Qty, now)
	}
	if err != nil {
		s.log.Printf("stream %s: submission failed: %v", s.cfg.StreamID, err)
		if s.execution != nil {
			_ = s.execution.RecordRejection(intent, err.Error())
		}
		s.commit(models.CommitStreamStandDown, now)
		return
	}

	if s.execution != nil {
		_ = s.execution.RecordSubmission(intent, brokerOrderID)
	}
	s.commit(models.CommitEntryFilled, now)
}
