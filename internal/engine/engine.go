// Package engine implements the RobotEngine orchestrator: stream table
// management, timetable reactivity, bar routing, trading-date locking, and
// the disconnect/recovery state machine that sits above the per-stream
// state machines in internal/stream.
package engine

import (
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qtsw2/breakout-engine/internal/broker"
	"github.com/qtsw2/breakout-engine/internal/canonlock"
	"github.com/qtsw2/breakout-engine/internal/journal"
	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/paritydef"
	"github.com/qtsw2/breakout-engine/internal/policy"
	"github.com/qtsw2/breakout-engine/internal/risk"
	"github.com/qtsw2/breakout-engine/internal/stream"
	"github.com/qtsw2/breakout-engine/internal/timeservice"
	"github.com/qtsw2/breakout-engine/internal/timetable"
)

// defaultSessionStartHHMM is the Chicago session-start time used for the
// engine-level bar window when no per-instrument override has been set.
const defaultSessionStartHHMM = "17:00"

// sessionWindowEndHHMM is the fixed Chicago close of the trading-date's bar
// window, independent of any individual stream's market-close time.
const sessionWindowEndHHMM = "16:00"

// futureBarTolerance bounds how far ahead of `now` a bar's open may be
// before it is rejected as a future bar.
const futureBarTolerance = 5 * time.Second

// AlertSink forwards stream-level gap-invalidation alerts and engine-level
// critical/fatal notifications to the push channel.
type AlertSink interface {
	Alert(streamID, message string)
	Critical(message string)
}

// Options configures one engine run. Fields are resolved by the host from
// config/env/constructor precedence before Start is called.
type Options struct {
	ProjectRoot         string
	ParitySpecPath      string
	TimetablePath       string
	ExecutionPolicyPath string
	JournalDir          string
	ExecutionInstrument string // the anchor; its canonical is derived from the parity spec
	Mode                risk.Mode
	PollInterval        time.Duration
	RunID               string
}

type streamEntry struct {
	s          *stream.Stream
	instrument string // canonical instrument this stream trades
}

// Engine is the RobotEngine: it owns every stream for the running
// canonical market, reacts to the timetable, routes bars, and runs the
// disconnect/recovery state machine.
type Engine struct {
	mu sync.Mutex

	opts Options
	log  *log.Logger

	spec *paritydef.Spec
	pol  *policy.Policy
	ts   *timeservice.Service

	runID string

	tt          *timetable.Contract
	ttValidated bool

	canonicalMarket     string
	executionInstrument string
	sessionStartOverride map[string]string

	lock             *canonlock.Lock
	journalStore     *journal.Store
	executionJournal *journal.ExecutionJournal
	adapter          broker.Adapter
	alerts           AlertSink

	streams           map[string]*streamEntry
	tradingDateLocked bool
	tradingDate       string

	recoveryState models.RecoveryState
	killSwitch    bool

	account     string
	environment string

	lastBarUpdate       time.Time
	lastOrderUpdate     time.Time
	lastExecutionUpdate time.Time
	reconnectedAt       time.Time

	recoveryMu      sync.Mutex
	recoveryRunning bool

	running bool

	// corruptStreams records stream ids whose journal replay hit a
	// malformed line, set synchronously by onJournalCorruption while
	// createStreamLocked (which always holds e.mu) is still running the
	// replay that triggered it. createStreamLocked consults and clears
	// this instead of arming the affected stream.
	corruptStreams map[string]bool
}

// New constructs an unstarted Engine.
func New(opts Options, logger *log.Logger, adapter broker.Adapter, alerts AlertSink) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Engine{
		opts:                  opts,
		log:                   logger,
		adapter:               adapter,
		alerts:                alerts,
		streams:               make(map[string]*streamEntry),
		sessionStartOverride:  make(map[string]string),
		recoveryState:         models.RecoveryConnectedOK,
		corruptStreams:        make(map[string]bool),
	}
}

// --- stream.EngineGuard -----------------------------------------------

// IsExecutionAllowed reports whether the recovery state currently permits
// non-emergency submissions.
func (e *Engine) IsExecutionAllowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoveryState.AllowsExecution()
}

// RecoveryStateReason renders a human-readable reason for the current
// recovery state, used when a stream is denied submission.
func (e *Engine) RecoveryStateReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("recovery state %s does not allow execution", e.recoveryState)
}

// Mode returns the engine's configured execution mode.
func (e *Engine) Mode() risk.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Mode
}

// RecoveryState returns the current disconnect/recovery state.
func (e *Engine) RecoveryState() models.RecoveryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recoveryState
}

// TimetableValidated reports whether the most recent timetable load passed
// validation.
func (e *Engine) TimetableValidated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ttValidated
}

// KillSwitchEnabled reports whether the operator kill switch is engaged.
func (e *Engine) KillSwitchEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killSwitch
}

// SetKillSwitch engages or disengages the operator kill switch.
func (e *Engine) SetKillSwitch(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = enabled
}

// --- Startup -------------------------------------------------------------

// Start loads the spec/policy/timetable, acquires the canonical-market
// lock, locks the trading date, and arms streams for every enabled
// directive matching the running canonical market. Fatal-startup errors
// (per §7) are returned rather than logged-and-continued.
func (e *Engine) Start(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.Mode == risk.ModeLive {
		e.criticalLocked("LIVE mode requested; this engine only permits DRYRUN and SIM")
		return fmt.Errorf("engine: LIVE mode is blocked at startup")
	}

	spec, err := paritydef.Load(e.opts.ParitySpecPath)
	if err != nil {
		return fmt.Errorf("engine: loading parity spec: %w", err)
	}
	e.spec = spec

	pol, err := policy.Load(e.opts.ExecutionPolicyPath)
	if err != nil {
		return fmt.Errorf("engine: loading execution policy: %w", err)
	}
	e.pol = pol

	ts, err := timeservice.New()
	if err != nil {
		return fmt.Errorf("engine: starting time service: %w", err)
	}
	e.ts = ts

	e.canonicalMarket = spec.CanonicalOf(e.opts.ExecutionInstrument)
	e.executionInstrument = e.opts.ExecutionInstrument

	runID := e.opts.RunID
	if runID == "" {
		runID = fmt.Sprintf("run-%d", now.UnixNano())
	}
	e.runID = runID
	lock, err := canonlock.TryAcquire(e.opts.ProjectRoot, e.canonicalMarket, runID)
	if err != nil {
		e.criticalLocked(fmt.Sprintf("canonical-market lock contention for %s: %v", e.canonicalMarket, err))
		return fmt.Errorf("engine: acquiring canonical-market lock: %w", err)
	}
	e.lock = lock

	tt, err := e.loadTimetableLocked()
	if err != nil {
		return fmt.Errorf("engine: loading initial timetable: %w", err)
	}
	e.tt = tt
	e.ttValidated = true
	e.tradingDate = tt.TradingDate
	e.tradingDateLocked = true

	dateDir := filepath.Join(e.opts.JournalDir, e.tradingDate)
	store, err := journal.NewStore(dateDir, e.onJournalCorruption)
	if err != nil {
		return fmt.Errorf("engine: opening journal store: %w", err)
	}
	e.journalStore = store

	execJournal, err := journal.NewExecutionJournal(dateDir)
	if err != nil {
		return fmt.Errorf("engine: opening execution journal: %w", err)
	}
	e.executionJournal = execJournal

	for _, d := range tt.Enabled() {
		if err := e.createStreamLocked(d, now); err != nil {
			e.log.Printf("engine: skipping directive %s: %v", d.StreamID, err)
		}
	}

	e.running = true
	e.log.Printf("engine: started run=%s canonical=%s execution=%s trading_date=%s streams=%d",
		runID, e.canonicalMarket, e.executionInstrument, e.tradingDate, len(e.streams))
	return nil
}

// onJournalCorruption is invoked by journal.Store.ReplayLast when a stream's
// journal line fails to parse. The only call site is createStreamLocked's
// replay-on-start check, which always runs with e.mu already held, so this
// must not itself acquire the lock — it just flags the stream id so
// createStreamLocked stands it down fail-closed instead of arming it, per
// §4.4's corruption callback.
func (e *Engine) onJournalCorruption(streamID string, err error) {
	e.log.Printf("engine: journal corruption on stream %s: %v", streamID, err)
	e.corruptStreams[streamID] = true
}

func (e *Engine) loadTimetableLocked() (*timetable.Contract, error) {
	tt, err := timetable.Load(e.opts.TimetablePath)
	if err != nil {
		return nil, err
	}
	return tt, nil
}

// canonicalizeStreamID rewrites any stream id carrying the execution
// instrument as a substring to use the canonical instrument instead
// (e.g. "MES1" -> "ES1"), per §4.8.
func (e *Engine) canonicalizeStreamID(id string) string {
	if e.executionInstrument == "" || e.executionInstrument == e.canonicalMarket {
		return id
	}
	return strings.ReplaceAll(id, e.executionInstrument, e.canonicalMarket)
}

func (e *Engine) createStreamLocked(d timetable.Directive, now time.Time) error {
	if d.Instrument != e.canonicalMarket {
		e.log.Printf("engine: directive %s CANONICAL_MISMATCH (directive=%s running=%s)",
			d.StreamID, d.Instrument, e.canonicalMarket)
		return nil
	}

	qty, err := e.pol.Quantity(e.canonicalMarket, e.executionInstrument)
	if err != nil {
		return fmt.Errorf("quantity resolution: %w", err)
	}

	sess, ok := e.spec.Sessions[d.Session]
	if !ok {
		return fmt.Errorf("unknown session %q", d.Session)
	}
	inst, ok := e.spec.Instruments[e.executionInstrument]
	if !ok {
		return fmt.Errorf("unknown execution instrument %q", e.executionInstrument)
	}

	streamID := e.canonicalizeStreamID(d.StreamID)
	cfg := stream.Config{
		StreamID:            streamID,
		Canonical:           e.canonicalMarket,
		ExecutionInstrument: e.executionInstrument,
		Session:             d.Session,
		SlotTimeHHMM:        d.SlotTime,
		TradingDate:         e.tradingDate,
		RangeStartHHMM:      sess.RangeStartTime,
		MarketCloseHHMM:     e.spec.MarketCloseTime,
		TickSize:            inst.TickSize,
		BaseTarget:          inst.BaseTarget,
		Qty:                 qty,
		DryRun:              e.opts.Mode == risk.ModeDryRun,
		RoundTick: func(x float64) (float64, error) {
			return e.spec.RoundTick(e.executionInstrument, x)
		},
	}

	tsConstruct := func(hhmm string) (time.Time, error) {
		return e.ts.ConstructChicago(e.tradingDate, hhmm)
	}

	var replayRec stream.StreamJournalRecord
	replayOK := false
	if e.journalStore != nil {
		replayRec, replayOK = e.journalStore.ReplayLast(streamID)
	}

	s, err := stream.New(cfg, e.log, tsConstruct, e.ts.UTCToChicago,
		e.journalStore, e.executionJournal, e.adapter, lockedGuard{e}, e.alertAdapter(), risk.Evaluate)
	if err != nil {
		return err
	}

	switch {
	case e.corruptStreams[streamID]:
		// §4.4: a corrupt journal line stands the stream down fail-closed
		// rather than letting it arm against an unreadable history.
		delete(e.corruptStreams, streamID)
		s.StandDown(models.CommitJournalCorruption, now)
		e.log.Printf("engine: stream %s standing down fail-closed: journal corruption on replay", streamID)
	case replayOK:
		// A restart within the same trading date reattaches to whatever
		// state was last durably committed instead of starting fresh; a
		// terminal record means this stream must not re-run.
		s.RestoreFromJournal(replayRec)
		e.log.Printf("engine: stream %s reattached from journal: phase=%s committed=%v reason=%s",
			streamID, replayRec.LastState, replayRec.Committed, replayRec.CommitReason)
	default:
		s.Arm(now)
	}

	e.streams[streamID] = &streamEntry{s: s, instrument: e.canonicalMarket}
	return nil
}

// alertAdapter bridges the engine's AlertSink to stream.AlertSink's
// narrower single-method surface; nil-safe when no sink is configured.
func (e *Engine) alertAdapter() stream.AlertSink {
	if e.alerts == nil {
		return nil
	}
	return alertBridge{e.alerts}
}

type alertBridge struct{ sink AlertSink }

func (b alertBridge) Alert(streamID, message string) { b.sink.Alert(streamID, message) }

// lockedGuard is the stream.EngineGuard handed to streams. Streams are only
// driven from engine methods that already hold e.mu, so it reads engine
// state without taking the lock again.
type lockedGuard struct{ e *Engine }

func (g lockedGuard) IsExecutionAllowed() bool            { return g.e.recoveryState.AllowsExecution() }
func (g lockedGuard) RecoveryStateReason() string         { return fmt.Sprintf("recovery state %s does not allow execution", g.e.recoveryState) }
func (g lockedGuard) Mode() risk.Mode                     { return g.e.opts.Mode }
func (g lockedGuard) RecoveryState() models.RecoveryState { return g.e.recoveryState }
func (g lockedGuard) TimetableValidated() bool            { return g.e.ttValidated }
func (g lockedGuard) KillSwitchEnabled() bool             { return g.e.killSwitch }

func (e *Engine) criticalLocked(message string) {
	e.log.Printf("engine: CRITICAL: %s", message)
	if e.alerts != nil {
		e.alerts.Critical(message)
	}
}

// --- Timetable polling -----------------------------------------------

// PollTimetable reads and parses the timetable file outside the engine
// mutex (the I/O happens here, in the caller's goroutine); apply the
// result with ApplyTimetable under the mutex.
func (e *Engine) PollTimetable() (*timetable.Contract, error) {
	return timetable.Load(e.opts.TimetablePath)
}

// ApplyTimetable diffs and applies a freshly polled timetable under the
// engine mutex. A timetable with an unchanged hash is a no-op.
func (e *Engine) ApplyTimetable(tt *timetable.Contract, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tt != nil && e.tt.Hash() == tt.Hash() {
		return
	}
	e.ttValidated = true

	oldDirs := []timetable.Directive{}
	if e.tt != nil {
		oldDirs = e.tt.Streams
	}
	diff := timetable.DiffDirectives(oldDirs, tt.Streams, e.canonicalMarket)

	for _, d := range diff.New {
		if !d.Enabled {
			continue
		}
		if err := e.createStreamLocked(d, now); err != nil {
			e.log.Printf("engine: new directive %s: %v", d.StreamID, err)
		}
	}
	for _, d := range diff.Updated {
		streamID := e.canonicalizeStreamID(d.StreamID)
		entry, ok := e.streams[streamID]
		if !ok {
			continue
		}
		if entry.s.Committed() {
			continue // committed streams ignore directive updates
		}
		if err := entry.s.ApplyDirectiveUpdate(d.SlotTime); err != nil {
			e.log.Printf("engine: applying directive update to %s: %v", streamID, err)
		}
	}
	for _, d := range diff.Skipped {
		e.log.Printf("engine: directive %s CANONICAL_MISMATCH", d.StreamID)
	}

	e.tt = tt
}

// --- Tick / bar routing -----------------------------------------------

// Tick advances every stream's phase and, if due, runs the recovery
// runner. It never panics or surfaces an error to the host.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	for _, entry := range e.sortedStreamsLocked() {
		entry.s.Tick(now)
	}

	if e.recoveryState == models.RecoveryPending && e.brokerSyncSatisfiedLocked(now) {
		e.recoveryState = models.RecoveryRunning
		go e.runRecovery(now)
	}
}

func (e *Engine) sortedStreamsLocked() []*streamEntry {
	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*streamEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.streams[id])
	}
	return out
}

// SetSessionStartTime overrides the engine-level bar-window session start
// for instrument, per the programmatic API in §6.
func (e *Engine) SetSessionStartTime(instrument, hhmm string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionStartOverride[instrument] = hhmm
}

func (e *Engine) sessionStartFor(instrument string) string {
	if hhmm, ok := e.sessionStartOverride[instrument]; ok {
		return hhmm
	}
	return defaultSessionStartHHMM
}

// LoadPreHydrationBars bulk-delivers historical bars for instrument to every
// stream trading it, satisfying pre-hydration in SIM/DRYRUN mode where no
// live feed exists to backfill a stream armed mid-session. Per the
// programmatic API in §6.
func (e *Engine) LoadPreHydrationBars(instrument string, bars []models.Bar, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.sortedStreamsLocked() {
		if entry.instrument != instrument {
			continue
		}
		entry.s.LoadPreHydrationBars(bars, now)
	}
}

// AreStreamsReadyForInstrument reports whether every stream trading
// instrument has left PRE_HYDRATION. Returns false if no stream trades
// instrument at all. Per the programmatic API in §6.
func (e *Engine) AreStreamsReadyForInstrument(instrument string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	found := false
	for _, entry := range e.sortedStreamsLocked() {
		if entry.instrument != instrument {
			continue
		}
		found = true
		if !entry.s.HydrationComplete() {
			return false
		}
	}
	return found
}

// GetBarsRequestTimeRange returns the UTC window the host should fetch
// historical bars for to pre-hydrate every stream trading instrument: from
// the earliest range-start to the latest market-close among them. The
// third return value is false if no stream trades instrument.
func (e *Engine) GetBarsRequestTimeRange(instrument string) (start, end time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.sortedStreamsLocked() {
		if entry.instrument != instrument {
			continue
		}
		rs := entry.s.RangeStartUTC()
		mc := entry.s.MarketCloseUTC()
		if !ok || rs.Before(start) {
			start = rs
		}
		if !ok || mc.After(end) {
			end = mc
		}
		ok = true
	}
	return start, end, ok
}

// GetOrderQuantity resolves the order quantity for (canonical, execution)
// from the loaded execution policy. Per the programmatic API in §6.
func (e *Engine) GetOrderQuantity(canonical, execution string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pol == nil {
		return 0, fmt.Errorf("execution policy not loaded")
	}
	return e.pol.Quantity(canonical, execution)
}

// SetAccountInfo records the broker account identifier and environment
// label the host resolved at startup, surfaced for observability (logs,
// dashboard) only — it never gates execution, which is governed solely by
// Options.Mode. Per the programmatic API in §6.
func (e *Engine) SetAccountInfo(account, environment string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account = account
	e.environment = environment
	e.log.Printf("account info set: account=%s environment=%s", account, environment)
}

// OnBar routes one bar to every stream whose canonical matches the bar's
// instrument, after validating it is within the trading-date's session
// window and not from the future.
func (e *Engine) OnBar(barUTC time.Time, instrument string, o, h, l, c float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || !e.tradingDateLocked {
		return
	}
	if barUTC.After(now.Add(futureBarTolerance)) {
		e.log.Printf("engine: rejecting future bar for %s at %s", instrument, barUTC)
		return
	}

	canonical := e.spec.CanonicalOf(instrument)

	windowStart, err := e.previousDaySessionStartUTC(canonical)
	if err != nil {
		e.log.Printf("engine: computing session window start: %v", err)
		return
	}
	windowEnd, err := e.ts.ConstructChicago(e.tradingDate, sessionWindowEndHHMM)
	if err != nil {
		e.log.Printf("engine: computing session window end: %v", err)
		return
	}
	windowEndUTC := windowEnd.UTC()

	if barUTC.Before(windowStart) || !barUTC.Before(windowEndUTC) {
		e.log.Printf("engine: rejecting out-of-session bar for %s at %s", instrument, barUTC)
		return
	}

	e.lastBarUpdate = now

	bar := models.Bar{OpenUTC: barUTC, Open: o, High: h, Low: l, Close: c, Source: models.SourceLive}
	for _, entry := range e.sortedStreamsLocked() {
		if entry.instrument != canonical {
			continue
		}
		entry.s.OnBar(bar, now)
	}
}

func (e *Engine) previousDaySessionStartUTC(instrument string) (time.Time, error) {
	tradingDate, err := time.Parse("2006-01-02", e.tradingDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing trading date: %w", err)
	}
	prevDate := tradingDate.AddDate(0, 0, -1).Format("2006-01-02")
	zoned, err := e.ts.ConstructChicago(prevDate, e.sessionStartFor(instrument))
	if err != nil {
		return time.Time{}, err
	}
	return zoned.UTC(), nil
}

// --- Connection / broker event hooks -----------------------------------

// OnConnectionStatusUpdate drives the disconnect/recovery state machine's
// disconnect and reconnect transitions.
func (e *Engine) OnConnectionStatusUpdate(connected bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !connected && e.recoveryState == models.RecoveryConnectedOK:
		e.recoveryState = models.RecoveryDisconnected
		e.log.Printf("engine: connection lost, entering %s", e.recoveryState)
	case connected && e.recoveryState == models.RecoveryDisconnected:
		e.recoveryState = models.RecoveryPending
		e.reconnectedAt = now
		e.log.Printf("engine: reconnected, entering %s", e.recoveryState)
	}
}

// OnBrokerOrderUpdate records the observation instant used by the
// broker-sync gate.
func (e *Engine) OnBrokerOrderUpdate(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastOrderUpdate = now
}

// OnBrokerExecutionUpdate records the observation instant used by the
// broker-sync gate.
func (e *Engine) OnBrokerExecutionUpdate(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastExecutionUpdate = now
}

// OnProtectiveOrderFailure satisfies broker.ProtectiveOrderFailureNotifier:
// when an adapter reports that a filled stream's protective bracket failed
// to place, the owning stream stands down fail-closed per §4.7's documented
// protective-order failure semantics, and a critical alert fires.
func (e *Engine) OnProtectiveOrderFailure(intentID string, reason string) {
	e.mu.Lock()
	var target *stream.Stream
	for _, entry := range e.streams {
		if intent := entry.s.Intent(); intent != nil && intent.IntentID() == intentID {
			target = entry.s
			break
		}
	}
	e.mu.Unlock()

	if target == nil {
		e.log.Printf("engine: protective-order failure for unknown intent %s: %s", intentID, reason)
		return
	}

	e.log.Printf("engine: protective-order failure for stream %s: %s", target.ID(), reason)
	target.StandDown(models.CommitProtectiveOrderFailed, time.Now().UTC())
	if e.alerts != nil {
		e.alerts.Critical(fmt.Sprintf("protective order failed for stream %s: %s", target.ID(), reason))
	}
}

// --- Shutdown -----------------------------------------------------------

// Stop releases the canonical-market lock, closes journals, and (in
// non-dry-run modes) writes the execution summary.
func (e *Engine) Stop(now time.Time) error {
	e.mu.Lock()
	running := e.running
	e.running = false
	mode := e.opts.Mode
	summary := e.buildSummaryLocked(now)
	e.mu.Unlock()

	if !running {
		return nil
	}

	var errs []string
	if e.journalStore != nil {
		if err := e.journalStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if e.executionJournal != nil {
		if err := e.executionJournal.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if e.lock != nil {
		if err := e.lock.Release(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if mode != risk.ModeDryRun {
		if err := writeExecutionSummary(e.opts.JournalDir, summary); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("engine: shutdown errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// --- Status reporting (for internal/dashboard) --------------------------

// StreamInfo is a read-only snapshot of one stream's state, for the
// dashboard's /status and /streams/{id} endpoints.
type StreamInfo struct {
	StreamID     string
	Phase        string
	Committed    bool
	CommitReason string
}

// RunID returns the run identifier assigned at Start.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// CanonicalMarket returns the canonical market this engine instance runs.
func (e *Engine) CanonicalMarket() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canonicalMarket
}

// TradingDate returns the locked trading date, or "" before Start.
func (e *Engine) TradingDate() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradingDate
}

// LockHeld reports whether this instance currently holds the
// canonical-market lock.
func (e *Engine) LockHeld() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lock != nil
}

// StreamSummaries returns a read-only snapshot of every known stream,
// ordered by stream id.
func (e *Engine) StreamSummaries() []StreamInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]StreamInfo, 0, len(e.streams))
	for _, entry := range e.sortedStreamsLocked() {
		out = append(out, StreamInfo{
			StreamID:     entry.s.ID(),
			Phase:        string(entry.s.Phase()),
			Committed:    entry.s.Committed(),
			CommitReason: string(entry.s.CommitReason()),
		})
	}
	return out
}

// StreamSummary returns one stream's snapshot by id.
func (e *Engine) StreamSummary(streamID string) (StreamInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.streams[streamID]
	if !ok {
		return StreamInfo{}, false
	}
	return StreamInfo{
		StreamID:     entry.s.ID(),
		Phase:        string(entry.s.Phase()),
		Committed:    entry.s.Committed(),
		CommitReason: string(entry.s.CommitReason()),
	}, true
}
