package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// ProtectiveOrderFailureNotifier is an optional capability an Adapter may
// implement: if the bracket (stop/target/break-even) for an already-filled
// entry fails to place, the adapter reports it here instead of only
// through its ordinary error returns, so the engine can stand the stream
// down even though the triggering call (bracket placement) has no
// synchronous caller left to check its error.
type ProtectiveOrderFailureNotifier interface {
	OnProtectiveOrderFailure(intentID string, reason string)
}

// simPosition tracks one simulated fill's quantity, used only to answer
// GetAccountSnapshot / CancelRobotOwnedWorkingOrders queries realistically.
type simPosition struct {
	instrument string
	qty        int
	avgPrice   float64
}

// SimAdapter is the dry-run/simulated ExecutionAdapter: it fills every
// submitted entry at the requested price immediately and keeps an
// in-memory ledger of positions and working orders. No network or broker
// connection is involved; live trading is never reachable through it.
type SimAdapter struct {
	mu         sync.Mutex
	positions  map[string]*simPosition // keyed by intentID
	working    map[string]WorkingOrder // keyed by brokerOrderID
	equity     float64
	failNotify ProtectiveOrderFailureNotifier
}

// NewSimAdapter creates a SimAdapter seeded with startingEquity.
func NewSimAdapter(startingEquity float64) *SimAdapter {
	return &SimAdapter{
		positions: make(map[string]*simPosition),
		working:   make(map[string]WorkingOrder),
		equity:    startingEquity,
	}
}

// SetProtectiveOrderFailureNotifier installs the optional failure-callback
// capability; pass nil to disable it.
func (s *SimAdapter) SetProtectiveOrderFailureNotifier(n ProtectiveOrderFailureNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNotify = n
}

// OnProtectiveOrderFailure lets SimAdapter itself satisfy
// ProtectiveOrderFailureNotifier for test wiring that type-asserts the
// adapter directly; it forwards to the installed notifier if any.
func (s *SimAdapter) OnProtectiveOrderFailure(intentID string, reason string) {
	s.mu.Lock()
	n := s.failNotify
	s.mu.Unlock()
	if n != nil {
		n.OnProtectiveOrderFailure(intentID, reason)
	}
}

func (s *SimAdapter) SubmitEntryOrder(_ context.Context, intentID, instrument string, direction models.Direction,
	price float64, qty int, _ time.Time) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("simadapter: qty must be positive, got %d", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signedQty := qty
	if direction == models.DirectionShort {
		signedQty = -qty
	}

	s.positions[intentID] = &simPosition{
		instrument: instrument,
		qty:        signedQty,
		avgPrice:   price,
	}

	orderID := "sim-" + uuid.NewString()
	s.working[orderID] = WorkingOrder{
		BrokerOrderID: orderID,
		Instrument:    instrument,
		IntentID:      intentID,
	}
	return orderID, nil
}

func (s *SimAdapter) GetAccountSnapshot(_ context.Context) (AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := AccountSnapshot{
		Equity:  s.equity,
		AsOfUTC: time.Now().UTC(),
	}
	for _, p := range s.positions {
		if p.qty == 0 {
			continue
		}
		snap.OpenPositions = append(snap.OpenPositions, Position{
			Instrument: p.instrument,
			Qty:        p.qty,
			AvgPrice:   p.avgPrice,
		})
	}
	for _, w := range s.working {
		snap.WorkingOrders = append(snap.WorkingOrders, w)
	}
	return snap, nil
}

func (s *SimAdapter) CancelRobotOwnedWorkingOrders(_ context.Context, instrument string, keepIntentIDs []string) error {
	keep := make(map[string]bool, len(keepIntentIDs))
	for _, id := range keepIntentIDs {
		keep[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for orderID, w := range s.working {
		if w.Instrument != instrument {
			continue
		}
		if w.IntentID != "" && keep[w.IntentID] {
			continue
		}
		delete(s.working, orderID)
	}
	return nil
}

func (s *SimAdapter) FlattenIntent(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[intentID]; ok {
		p.qty = 0
	}
	return nil
}

func (s *SimAdapter) CancelIntentOrders(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for orderID, w := range s.working {
		if w.IntentID == intentID {
			delete(s.working, orderID)
		}
	}
	return nil
}
