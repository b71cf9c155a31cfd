package models

// CommitReason names why a stream's journal was committed to a terminal
// state. These form the closed set of stream outcomes surfaced in the
// per-run execution summary.
type CommitReason string

// Commit reasons.
const (
	CommitEntryFilled           CommitReason = "ENTRY_SUBMITTED"
	CommitNoTradeMarketClose    CommitReason = "NO_TRADE_MARKET_CLOSE"
	CommitNoTradeRangeMissing   CommitReason = "NO_TRADE_RANGE_DATA_MISSING"
	CommitRangeInvalidated      CommitReason = "RANGE_INVALIDATED"
	CommitStreamStandDown       CommitReason = "STREAM_STAND_DOWN"
	CommitJournalCorruption     CommitReason = "JOURNAL_CORRUPTION"
	CommitProtectiveOrderFailed CommitReason = "PROTECTIVE_ORDER_FAILED"
)

// RangeFailure enumerates the ways range computation can fail at lock time.
type RangeFailure string

// Range computation failure modes, per §4.7 "Range computation".
const (
	RangeFailureNone           RangeFailure = ""
	RangeFailureNoBarsInWindow RangeFailure = "NO_BARS_IN_WINDOW"
	RangeFailureInvalidHighLow RangeFailure = "INVALID_RANGE_HIGH_LOW"
	RangeFailureNoFreezeClose  RangeFailure = "NO_FREEZE_CLOSE"
)
