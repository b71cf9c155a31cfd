package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qtsw2/breakout-engine/internal/broker"
	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/stream"
)

// brokerSyncQuietWindow is how long the engine waits after the last
// order/execution update before trusting it as a sync signal, per §4.8's
// broker-sync gate. A bar update needs no quiet window.
const brokerSyncQuietWindow = 5 * time.Second

// brokerSyncSatisfiedLocked reports whether the broker-sync gate has been
// satisfied since reconnect: either a bar update was observed, or an
// order/execution update was observed and brokerSyncQuietWindow has since
// elapsed with no further such update.
func (e *Engine) brokerSyncSatisfiedLocked(now time.Time) bool {
	if e.lastBarUpdate.After(e.reconnectedAt) {
		return true
	}
	lastOrderOrExec := e.lastOrderUpdate
	if e.lastExecutionUpdate.After(lastOrderOrExec) {
		lastOrderOrExec = e.lastExecutionUpdate
	}
	if !lastOrderOrExec.After(e.reconnectedAt) {
		return false
	}
	return !now.Before(lastOrderOrExec.Add(brokerSyncQuietWindow))
}

// runRecovery executes the six-step recovery runner outside the engine
// mutex (it performs broker I/O), guarded against re-entrant triggers by a
// secondary mutex: a second concurrent trigger while one is already running
// is a no-op.
func (e *Engine) runRecovery(now time.Time) {
	e.recoveryMu.Lock()
	if e.recoveryRunning {
		e.recoveryMu.Unlock()
		return
	}
	e.recoveryRunning = true
	e.recoveryMu.Unlock()

	defer func() {
		e.recoveryMu.Lock()
		e.recoveryRunning = false
		e.recoveryMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	e.log.Printf("engine: recovery runner starting")

	// Step 1: snapshot.
	snapshot, err := e.adapter.GetAccountSnapshot(ctx)
	if err != nil {
		e.log.Printf("engine: recovery snapshot failed, staying in RECOVERY_RUNNING: %v", err)
		return
	}

	// Step 2: reconcile positions against current stream state. Any
	// non-flat position the engine cannot attribute to a stream's submitted
	// intent aborts recovery and requires operator intervention — the
	// engine stays in RECOVERY_RUNNING rather than risk resuming around a
	// position it doesn't understand.
	e.mu.Lock()
	canonical := e.canonicalMarket
	execInst := e.executionInstrument
	matchedIntentIDs, unmatched := e.reconcilePositionsLocked(snapshot.OpenPositions)
	e.mu.Unlock()

	if len(unmatched) > 0 {
		for _, pos := range unmatched {
			e.log.Printf("engine: recovery found unmatched non-flat position %s qty=%d; no stream claims it",
				pos.Instrument, pos.Qty)
		}
		e.log.Printf("engine: recovery aborted, staying in RECOVERY_RUNNING: %d unmatched position(s) require operator intervention",
			len(unmatched))
		if e.alerts != nil {
			e.alerts.Critical(fmt.Sprintf("recovery found %d unmatched broker position(s); operator intervention required",
				len(unmatched)))
		}
		return
	}
	e.log.Printf("engine: recovery reconcile: %d open position(s) matched to streams, %d working order(s) observed",
		len(matchedIntentIDs), len(snapshot.WorkingOrders))

	// Step 3: cancel orphaned robot-owned working orders, keeping the ones
	// tied to a reconciled position so step 4 doesn't have to resubmit them.
	if err := e.adapter.CancelRobotOwnedWorkingOrders(ctx, execInst, matchedIntentIDs); err != nil {
		e.log.Printf("engine: recovery cancel-orphaned-orders failed: %v", err)
	}

	// Step 4: re-establish protective orders for reconciled positions. The
	// adapter has no primitive to place a bracket on its own (SubmitEntryOrder
	// would re-enter the position), so a reconciled position whose bracket
	// didn't survive the disconnect is treated the same as any other
	// protective-order failure: the owning stream stands down fail-closed and
	// an alert fires, per §4.7.
	for _, pos := range snapshot.OpenPositions {
		if pos.Qty == 0 || (pos.Instrument != canonical && pos.Instrument != execInst) {
			continue
		}
		e.mu.Lock()
		owner := e.streamForPositionLocked(pos)
		e.mu.Unlock()
		if owner == nil {
			continue
		}
		intent := owner.Intent()
		if intent == nil || hasWorkingOrderForIntent(snapshot.WorkingOrders, intent.IntentID()) {
			continue
		}
		e.log.Printf("engine: recovery stream %s lost its protective bracket across the disconnect", owner.ID())
		owner.StandDown(models.CommitProtectiveOrderFailed, now)
		if e.alerts != nil {
			e.alerts.Critical(fmt.Sprintf("protective bracket missing after recovery for stream %s", owner.ID()))
		}
	}

	// Step 5: rebuild streams. SubmitEntryOrder fills synchronously in this
	// implementation (§4.7's submission sequencing commits the stream in the
	// same call it submits in), so an uncommitted RANGE_LOCKED stream never
	// has a resting entry order of its own to lose across a disconnect.
	// What can linger is a stray working order step 3 didn't recognize
	// because it predates this run; re-cancel it per stream so a still-watching
	// stream doesn't later mistake it for its own bracket.
	e.mu.Lock()
	var watching []*stream.Stream
	for _, entry := range e.streams {
		if !entry.s.Committed() && entry.s.Phase() == stream.PhaseRangeLocked && entry.s.Intent() == nil {
			watching = append(watching, entry.s)
		}
	}
	e.mu.Unlock()
	for _, s := range watching {
		if !hasWorkingOrderForInstrument(snapshot.WorkingOrders, s.ExecutionInstrument(), matchedIntentIDs) {
			continue
		}
		e.log.Printf("engine: recovery found a stray working order on watching stream %s's instrument; re-cancelling", s.ID())
		if err := e.adapter.CancelRobotOwnedWorkingOrders(ctx, s.ExecutionInstrument(), matchedIntentIDs); err != nil {
			e.log.Printf("engine: recovery stray-order cancellation failed for stream %s: %v", s.ID(), err)
		}
	}

	// Step 6: transition to RECOVERY_COMPLETE, then idle back to CONNECTED_OK.
	e.mu.Lock()
	e.recoveryState = models.RecoveryComplete
	e.mu.Unlock()
	e.log.Printf("engine: recovery complete")

	e.mu.Lock()
	e.recoveryState = models.RecoveryConnectedOK
	e.mu.Unlock()
}

// reconcilePositionsLocked matches each non-flat broker position to a
// stream whose submitted entry intent names the same instrument and the
// same signed quantity (models.Direction.Sign() applied to intent.Qty). It
// returns the intent ids of every matched position and the positions that
// matched nothing, per §4.8 step 2.
func (e *Engine) reconcilePositionsLocked(positions []broker.Position) (matchedIntentIDs []string, unmatched []broker.Position) {
	for _, pos := range positions {
		if pos.Qty == 0 {
			continue
		}
		if owner := e.streamForPositionLocked(pos); owner != nil {
			matchedIntentIDs = append(matchedIntentIDs, owner.Intent().IntentID())
			continue
		}
		unmatched = append(unmatched, pos)
	}
	return matchedIntentIDs, unmatched
}

// streamForPositionLocked returns the stream whose submitted intent
// accounts for pos, or nil if none does.
func (e *Engine) streamForPositionLocked(pos broker.Position) *stream.Stream {
	for _, entry := range e.streams {
		intent := entry.s.Intent()
		if intent == nil || intent.Instrument != pos.Instrument {
			continue
		}
		if int(float64(intent.Qty)*intent.Direction.Sign()) == pos.Qty {
			return entry.s
		}
	}
	return nil
}

// hasWorkingOrderForIntent reports whether orders contains one tagged with
// intentID.
func hasWorkingOrderForIntent(orders []broker.WorkingOrder, intentID string) bool {
	for _, w := range orders {
		if w.IntentID == intentID {
			return true
		}
	}
	return false
}

// hasWorkingOrderForInstrument reports whether orders contains one for
// instrument whose intent id isn't already accounted for in keepIntentIDs.
func hasWorkingOrderForInstrument(orders []broker.WorkingOrder, instrument string, keepIntentIDs []string) bool {
	keep := make(map[string]bool, len(keepIntentIDs))
	for _, id := range keepIntentIDs {
		keep[id] = true
	}
	for _, w := range orders {
		if w.Instrument == instrument && !keep[w.IntentID] {
			return true
		}
	}
	return false
}

// executionSummary is the per-run summary written at shutdown in
// non-dry-run modes, per §6's "no P&L persistence beyond per-run summaries"
// non-goal.
type executionSummary struct {
	TradingDate     string    `json:"trading_date"`
	CanonicalMarket string    `json:"canonical_market"`
	StreamCount     int       `json:"stream_count"`
	CommittedCount  int       `json:"committed_count"`
	WrittenAtUTC    time.Time `json:"written_at_utc"`
	Streams         []streamSummary `json:"streams"`
}

type streamSummary struct {
	StreamID     string `json:"stream_id"`
	Committed    bool   `json:"committed"`
	CommitReason string `json:"commit_reason,omitempty"`
}

func (e *Engine) buildSummaryLocked(now time.Time) executionSummary {
	summary := executionSummary{
		TradingDate:     e.tradingDate,
		CanonicalMarket: e.canonicalMarket,
		StreamCount:     len(e.streams),
		WrittenAtUTC:    now.UTC(),
	}
	for _, entry := range e.sortedStreamsLocked() {
		if entry.s.Committed() {
			summary.CommittedCount++
		}
		summary.Streams = append(summary.Streams, streamSummary{
			StreamID:     entry.s.ID(),
			Committed:    entry.s.Committed(),
			CommitReason: string(entry.s.CommitReason()),
		})
	}
	return summary
}

func writeExecutionSummary(journalDir string, summary executionSummary) error {
	dir := filepath.Join(journalDir, summary.TradingDate)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("engine: creating summary directory: %w", err)
	}
	path := filepath.Join(dir, "summary.json")

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("engine: marshaling summary: %w", err)
	}

	f, err := os.CreateTemp(dir, ".summary-*")
	if err != nil {
		return fmt.Errorf("engine: creating temp summary file: %w", err)
	}
	tmpName := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("engine: writing summary: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("engine: syncing summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("engine: closing summary: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("engine: renaming summary into place: %w", err)
	}
	tmpName = ""
	return nil
}
