// Package broker defines the narrow ExecutionAdapter surface the engine and
// its streams submit orders through, plus resilience wrappers (circuit
// breaker, retry) around any concrete implementation.
package broker

import (
	"context"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// AccountSnapshot is the broker-reported account/position state the
// recovery runner reconciles stream intents against.
type AccountSnapshot struct {
	Equity          float64
	OpenPositions   []Position
	WorkingOrders   []WorkingOrder
	AsOfUTC         time.Time
}

// Position is one broker-reported open futures position.
type Position struct {
	Instrument string
	Qty        int // signed: positive long, negative short
	AvgPrice   float64
}

// WorkingOrder is one broker-reported resting (unfilled) order.
type WorkingOrder struct {
	BrokerOrderID string
	Instrument    string
	IntentID      string // empty if the order was not robot-owned
}

// Adapter is the ExecutionAdapter surface: every broker-facing operation
// the engine and its streams need, independent of any concrete brokerage.
type Adapter interface {
	// SubmitEntryOrder submits the entry leg for intentID and returns the
	// broker-assigned order id. Implementations must be safe to call again
	// with the same intentID after a timeout; callers de-duplicate via the
	// execution journal, not via adapter-side idempotency.
	SubmitEntryOrder(ctx context.Context, intentID, instrument string, direction models.Direction,
		price float64, qty int, now time.Time) (brokerOrderID string, err error)

	// GetAccountSnapshot fetches the current account/position/working-order
	// state the recovery runner reconciles against.
	GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error)

	// CancelRobotOwnedWorkingOrders cancels every resting order the robot
	// placed for instrument that isn't part of a currently-known intent set.
	CancelRobotOwnedWorkingOrders(ctx context.Context, instrument string, keepIntentIDs []string) error

	// FlattenIntent closes any open position associated with intentID at
	// market, used by the emergency-flatten path.
	FlattenIntent(ctx context.Context, intentID string) error

	// CancelIntentOrders cancels the protective bracket (target/stop/BE)
	// associated with intentID.
	CancelIntentOrders(ctx context.Context, intentID string) error
}
