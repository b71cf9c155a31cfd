// Package journal implements the append-only per-stream transition log and
// the per-trading-date execution ledger. Both append one JSON line per
// record to a file opened with O_APPEND and fsync after every write; no
// file is rewritten through a temp file and rename, since §4.4 requires
// durable replay of every transition rather than last-value-wins.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/stream"
)

// CorruptionHandler is invoked when a stream journal line fails to parse on
// load, so the caller can stand the affected stream down rather than trade
// against an unreadable history.
type CorruptionHandler func(streamID string, err error)

// Store is a JournalWriter backed by one append-only JSONL file per
// (trading_date, stream_id).
type Store struct {
	dir       string
	onCorrupt CorruptionHandler

	mu    sync.Mutex
	files map[string]*os.File
}

// NewStore creates a journal store rooted at dir (typically
// {journal_dir}/{trading_date}).
func NewStore(dir string, onCorrupt CorruptionHandler) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating directory: %w", err)
	}
	return &Store{dir: dir, onCorrupt: onCorrupt, files: make(map[string]*os.File)}, nil
}

func (s *Store) pathFor(streamID string) string {
	return filepath.Join(s.dir, streamID+".jsonl")
}

func (s *Store) fileFor(streamID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[streamID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.pathFor(streamID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", streamID, err)
	}
	s.files[streamID] = f
	return f, nil
}

func (s *Store) appendLine(streamID string, rec stream.StreamJournalRecord) error {
	f, err := s.fileFor(streamID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshaling record for %s: %w", streamID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("journal: writing record for %s: %w", streamID, err)
	}
	return f.Sync()
}

// RecordTransition appends one non-terminal state snapshot.
func (s *Store) RecordTransition(rec stream.StreamJournalRecord) error {
	return s.appendLine(rec.StreamID, rec)
}

// Commit appends the terminal state snapshot. It uses the same append path
// as RecordTransition — DONE is just another line, replay reconstructs the
// terminal state from the last line in the file.
func (s *Store) Commit(rec stream.StreamJournalRecord) error {
	return s.appendLine(rec.StreamID, rec)
}

// Close flushes and closes every open stream journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("journal: closing %s: %w", id, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

// ReplayLast reads a stream's journal and returns its last successfully
// parsed record, or ok=false if the file doesn't exist or has no valid
// lines. A malformed line invokes the corruption handler and stops the
// replay at that point — earlier (pre-corruption) lines are still honored
// since they reflect state that was durably committed before the defect.
func (s *Store) ReplayLast(streamID string) (rec stream.StreamJournalRecord, ok bool) {
	path := s.pathFor(streamID)
	f, err := os.Open(path) // #nosec G304 -- path is derived from our own journal directory
	if err != nil {
		return rec, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line stream.StreamJournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			if s.onCorrupt != nil {
				s.onCorrupt(streamID, fmt.Errorf("journal: corrupt line for %s: %w", streamID, err))
			}
			break
		}
		rec = line
		ok = true
	}
	return rec, ok
}

// executionRecord is the durable shape of one execution-journal entry.
type executionRecord struct {
	IntentID      string              `json:"intent_id"`
	TradingDate   string              `json:"trading_date"`
	StreamID      string              `json:"stream_id"`
	Instrument    string              `json:"instrument"`
	Direction     models.Direction    `json:"direction"`
	Entry         float64             `json:"entry"`
	Qty           int                 `json:"qty"`
	BrokerOrderID string              `json:"broker_order_id,omitempty"`
	Rejected      bool                `json:"rejected,omitempty"`
	RejectReason  string              `json:"reject_reason,omitempty"`
	RecordedAtUTC time.Time           `json:"recorded_at_utc"`
	TriggerReason models.TriggerReason `json:"trigger_reason"`
}

// ExecutionJournal is a single append-only JSONL file per trading-date,
// keyed by intent-id, with an in-memory index rebuilt from the file on
// construction — mirroring the teacher's Load() rebuilding in-memory state
// from its JSON snapshot, adapted here to a line-oriented append log.
type ExecutionJournal struct {
	path string

	mu      sync.Mutex
	f       *os.File
	index   map[string]bool
}

// NewExecutionJournal opens (creating if absent) the execution journal at
// {journal_dir}/{trading_date}/executions.jsonl and rebuilds its
// submitted-intent index from any existing content.
func NewExecutionJournal(dir string) (*ExecutionJournal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("execution journal: creating directory: %w", err)
	}
	path := filepath.Join(dir, "executions.jsonl")

	ej := &ExecutionJournal{path: path, index: make(map[string]bool)}
	if err := ej.loadIndex(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("execution journal: opening %s: %w", path, err)
	}
	ej.f = f
	return ej, nil
}

func (e *ExecutionJournal) loadIndex() error {
	f, err := os.Open(e.path) // #nosec G304 -- path is derived from our own journal directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("execution journal: reading %s: %w", e.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec executionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // a corrupt line never marked an intent as submitted
		}
		if !rec.Rejected {
			e.index[rec.IntentID] = true
		}
	}
	return nil
}

func (e *ExecutionJournal) append(rec executionRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("execution journal: marshaling %s: %w", rec.IntentID, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.f.Write(line); err != nil {
		return fmt.Errorf("execution journal: writing %s: %w", rec.IntentID, err)
	}
	return e.f.Sync()
}

// IsIntentSubmitted reports whether intentID already has a non-rejected
// entry in the journal.
func (e *ExecutionJournal) IsIntentSubmitted(intentID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index[intentID], nil
}

// RecordSubmission durably records a successful submission and marks the
// intent as submitted in the in-memory index.
func (e *ExecutionJournal) RecordSubmission(intent models.Intent, brokerOrderID string) error {
	rec := executionRecord{
		IntentID:      intent.IntentID(),
		TradingDate:   intent.TradingDate,
		StreamID:      intent.StreamID,
		Instrument:    intent.Instrument,
		Direction:     intent.Direction,
		Entry:         intent.Entry,
		Qty:           intent.Qty,
		BrokerOrderID: brokerOrderID,
		TriggerReason: intent.TriggerReason,
		RecordedAtUTC: time.Now().UTC(),
	}
	if err := e.append(rec); err != nil {
		return err
	}
	e.mu.Lock()
	e.index[rec.IntentID] = true
	e.mu.Unlock()
	return nil
}

// RecordRejection durably records a denied or failed submission without
// marking the intent as submitted — a later retry within the same trading
// date is still eligible.
func (e *ExecutionJournal) RecordRejection(intent models.Intent, reason string) error {
	rec := executionRecord{
		IntentID:      intent.IntentID(),
		TradingDate:   intent.TradingDate,
		StreamID:      intent.StreamID,
		Instrument:    intent.Instrument,
		Direction:     intent.Direction,
		Entry:         intent.Entry,
		Qty:           intent.Qty,
		Rejected:      true,
		RejectReason:  reason,
		TriggerReason: intent.TriggerReason,
		RecordedAtUTC: time.Now().UTC(),
	}
	return e.append(rec)
}

// Close flushes and closes the execution journal file.
func (e *ExecutionJournal) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return nil
	}
	err := e.f.Close()
	e.f = nil
	return err
}
