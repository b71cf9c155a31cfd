package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/risk"
)

// retryBudget is how long past slot-time a stream keeps retrying range
// computation before committing NO_TRADE_RANGE_DATA_MISSING, per §4.7.
const retryBudget = 30 * time.Second

// barsRequestTimeout bounds how long pre-hydration waits for a historical
// bars-request fetch before allowing the range-lock to proceed anyway
// (§5, "Cancellation & timeouts").
const barsRequestTimeout = 5 * time.Minute

// EngineGuard is the narrow back-pointer interface a Stream consults to
// learn engine-level execution permission without owning the concrete
// engine (Design Notes, "Cyclic references"). It is typed by interface,
// not by the concrete engine, so the stream never holds an ownership cycle
// back to its orchestrator.
type EngineGuard interface {
	IsExecutionAllowed() bool
	RecoveryStateReason() string
	Mode() risk.Mode
	RecoveryState() models.RecoveryState
	TimetableValidated() bool
	KillSwitchEnabled() bool
}

// JournalWriter persists this stream's per-transition journal record.
type JournalWriter interface {
	RecordTransition(rec StreamJournalRecord) error
	Commit(rec StreamJournalRecord) error
}

// ExecutionJournal is the idempotent intent-lifecycle ledger.
type ExecutionJournal interface {
	IsIntentSubmitted(intentID string) (bool, error)
	RecordSubmission(intent models.Intent, brokerOrderID string) error
	RecordRejection(intent models.Intent, reason string) error
}

// Adapter is the narrow submission capability a Stream needs from the
// broker/platform ExecutionAdapter.
type Adapter interface {
	SubmitEntryOrder(ctx context.Context, intentID, instrument string, direction models.Direction,
		price float64, qty int, now time.Time) (brokerOrderID string, err error)
}

// AlertSink receives the single high-priority alert a stream emits on
// first gap invalidation.
type AlertSink interface {
	Alert(streamID, message string)
}

// Config is the immutable configuration of one stream, resolved once at
// creation time from ParitySpec/TimetableContract/ExecutionPolicy.
type Config struct {
	StreamID            string
	Canonical           string // canonical instrument the stream's range is built on
	ExecutionInstrument string
	Session             string
	SlotTimeHHMM        string
	TradingDate         string
	RangeStartHHMM      string
	MarketCloseHHMM     string
	TickSize            float64
	BaseTarget          float64
	Qty                 int
	DryRun              bool
	RoundTick           func(float64) (float64, error)
}

// Stream is the per-(canonical instrument, session, slot-time) decision
// unit for one trading date: the StreamStateMachine of §4.7.
type Stream struct {
	cfg Config
	log *log.Logger

	tsConstruct func(hhmm string) (time.Time, error) // constructs a Chicago instant on the trading date
	chicagoOf   func(time.Time) time.Time            // UTC -> Chicago

	phase     Phase
	committed bool

	rangeStartChicago time.Time
	slotTimeChicago   time.Time
	slotTimeUTC       time.Time
	marketCloseUTC    time.Time

	buf *barBuffer

	hydrationComplete bool
	hydrationDeadline time.Time

	rangeResult    RangeResult
	breakoutLevels BreakoutLevels
	rangeLockedAt  time.Time

	entry      *EntryDecision
	protective *ProtectiveOrders
	intent     *models.Intent

	gapAlertEmitted bool
	commitReason    models.CommitReason

	journal   JournalWriter
	execution ExecutionJournal
	adapter   Adapter
	guard     EngineGuard
	alerts    AlertSink
	gate      risk.Gate
}

// StreamJournalRecord is one persisted state snapshot, per §3's
// StreamJournal entity.
type StreamJournalRecord struct {
	TradingDate        string
	StreamID           string
	Committed          bool
	CommitReason       models.CommitReason
	LastState          Phase
	LastUpdateUTC      time.Time
	TimetableHashAtCommit string
}

// New constructs an armed-but-not-yet-started stream. tsConstruct builds a
// Chicago instant from an "HH:MM" string on the stream's trading date;
// chicagoOf converts a UTC instant to Chicago time.
func New(cfg Config, logger *log.Logger, tsConstruct func(string) (time.Time, error), chicagoOf func(time.Time) time.Time,
	journal JournalWriter, execution ExecutionJournal, adapter Adapter, guard EngineGuard, alerts AlertSink, gate risk.Gate) (*Stream, error) {
	if logger == nil {
		logger = log.Default()
	}
	if gate == nil {
		gate = risk.Evaluate
	}

	rangeStart, err := tsConstruct(cfg.RangeStartHHMM)
	if err != nil {
		return nil, fmt.Errorf("stream %s: range start: %w", cfg.StreamID, err)
	}
	slot, err := tsConstruct(cfg.SlotTimeHHMM)
	if err != nil {
		return nil, fmt.Errorf("stream %s: slot time: %w", cfg.StreamID, err)
	}
	marketClose, err := tsConstruct(cfg.MarketCloseHHMM)
	if err != nil {
		return nil, fmt.Errorf("stream %s: market close: %w", cfg.StreamID, err)
	}

	s := &Stream{
		cfg:               cfg,
		log:               logger,
		tsConstruct:       tsConstruct,
		chicagoOf:         chicagoOf,
		phase:             PhasePreHydration,
		rangeStartChicago: rangeStart,
		slotTimeChicago:   slot,
		slotTimeUTC:       slot.UTC(),
		marketCloseUTC:    marketClose.UTC(),
		buf:               newBarBuffer(),
		journal:           journal,
		execution:         execution,
		adapter:           adapter,
		guard:             guard,
		alerts:            alerts,
		gate:              gate,
	}
	return s, nil
}

// ID returns the stream's identifier.
func (s *Stream) ID() string { return s.cfg.StreamID }

// Canonical returns the stream's canonical instrument.
func (s *Stream) Canonical() string { return s.cfg.Canonical }

// ExecutionInstrument returns the stream's execution instrument.
func (s *Stream) ExecutionInstrument() string { return s.cfg.ExecutionInstrument }

// Intent returns the entry intent this stream submitted, or nil if none
// has been detected yet. Used by the engine's recovery runner to reconcile
// broker-reported positions against stream state.
func (s *Stream) Intent() *models.Intent { return s.intent }

// Phase returns the stream's current lifecycle phase.
func (s *Stream) Phase() Phase { return s.phase }

// Committed reports whether this stream has reached a terminal commit.
func (s *Stream) Committed() bool { return s.committed }

// CommitReason returns the terminal commit reason, if any.
func (s *Stream) CommitReason() models.CommitReason { return s.commitReason }

// RangeStartUTC returns the UTC instant of this stream's range-start time on
// its trading date.
func (s *Stream) RangeStartUTC() time.Time { return s.rangeStartChicago.UTC() }

// MarketCloseUTC returns the UTC instant of this stream's market-close time
// on its trading date.
func (s *Stream) MarketCloseUTC() time.Time { return s.marketCloseUTC }

// HydrationComplete reports whether this stream has left PRE_HYDRATION,
// which a Tick does once historical bars have arrived, range-start is
// reached, or the bars-request wait has expired, whichever comes first.
func (s *Stream) HydrationComplete() bool { return s.phase != PhasePreHydration }

// Arm resets daily counters and clears the bar buffer, transitioning a
// fresh or re-armed stream into PRE_HYDRATION. A no-op if already armed for
// this trading date and uncommitted (testable-property "double-arming is a
// no-op").
func (s *Stream) Arm(now time.Time) {
	if s.committed {
		return
	}
	if s.phase != "" && s.phase != PhasePreHydration {
		return
	}
	s.phase = PhasePreHydration
	s.buf = newBarBuffer()
	s.hydrationDeadline = now.Add(barsRequestTimeout)
}

// ApplyDirectiveUpdate recomputes the slot-time instants from a new
// directive. Allowed only while uncommitted, per §4.7.
func (s *Stream) ApplyDirectiveUpdate(newSlotTimeHHMM string) error {
	if s.committed {
		return fmt.Errorf("stream %s: cannot apply directive update, already committed", s.cfg.StreamID)
	}
	slot, err := s.tsConstruct(newSlotTimeHHMM)
	if err != nil {
		return fmt.Errorf("stream %s: slot time: %w", s.cfg.StreamID, err)
	}
	s.cfg.SlotTimeHHMM = newSlotTimeHHMM
	s.slotTimeChicago = slot
	s.slotTimeUTC = slot.UTC()
	return nil
}

// LoadPreHydrationBars bulk-loads historical bars delivered by the host
// (simulated mode) to satisfy pre-hydration.
func (s *Stream) LoadPreHydrationBars(bars []models.Bar, now time.Time) {
	for _, b := range bars {
		s.acceptBar(b, now)
	}
}

func (s *Stream) persist(now time.Time) {
	if s.journal == nil {
		return
	}
	rec := StreamJournalRecord{
		TradingDate:   s.cfg.TradingDate,
		StreamID:      s.cfg.StreamID,
		Committed:     s.committed,
		CommitReason:  s.commitReason,
		LastState:     s.phase,
		LastUpdateUTC: now,
	}
	if s.committed {
		_ = s.journal.Commit(rec)
	} else {
		_ = s.journal.RecordTransition(rec)
	}
}

// RestoreFromJournal sets this stream's phase and commit state directly
// from a previously-persisted journal record, without re-emitting a
// journal line, so a process restart within the same trading date
// reattaches to whatever was last durably committed instead of starting
// fresh. A terminal (committed) record leaves the stream inert: its
// committed flag blocks OnBar/Tick from re-running it.
func (s *Stream) RestoreFromJournal(rec StreamJournalRecord) {
	s.phase = rec.LastState
	s.committed = rec.Committed
	s.commitReason = rec.CommitReason
}

// StandDown commits this stream with reason from outside its own bar/tick
// processing — used by the engine for fail-closed actions (journal
// corruption, protective-order failure) that originate at the engine level.
// A no-op if the stream is already committed.
func (s *Stream) StandDown(reason models.CommitReason, now time.Time) {
	s.commit(reason, now)
}

func (s *Stream) commit(reason models.CommitReason, now time.Time) {
	if s.committed {
		return
	}
	s.transition(PhaseDone, commitCondition(reason))
	s.committed = true
	s.commitReason = reason
	s.persist(now)
}

// commitCondition maps a terminal commit reason to the phase-transition
// condition name it satisfies, per the table in phase.go.
func commitCondition(reason models.CommitReason) string {
	switch reason {
	case models.CommitEntryFilled:
		return "entry_detected"
	case models.CommitNoTradeMarketClose:
		return "market_close_cutoff"
	case models.CommitNoTradeRangeMissing:
		return "range_data_missing"
	case models.CommitRangeInvalidated:
		return "range_invalidated"
	default:
		return "stand_down"
	}
}

// transition moves the stream to `to` under `condition`, logging (but not
// rejecting) a move the phase table doesn't recognize — phase.go's table is
// a documentation/verification aid, not a runtime gate, since the caller
// already knows its own preconditions hold.
func (s *Stream) transition(to Phase, condition string) {
	if !isValidTransition(s.phase, to, condition) {
		s.log.Printf("stream %s: %v", s.cfg.StreamID, errInvalidTransition(s.phase, to, condition))
	}
	s.phase = to
}
