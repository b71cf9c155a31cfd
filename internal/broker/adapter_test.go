package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// stubAdapter is a hand-rolled Adapter test double that fails a configurable
// number of times before succeeding, so wrapper behavior can be exercised
// without a real broker connection.
type stubAdapter struct {
	failuresRemaining int
	failWith          error
	submitCalls       int
	snapshotCalls     int
}

func (s *stubAdapter) SubmitEntryOrder(_ context.Context, intentID, _ string, _ models.Direction,
	_ float64, _ int, _ time.Time) (string, error) {
	s.submitCalls++
	if s.failuresRemaining > 0 {
		s.failuresRemaining--
		return "", s.failWith
	}
	return "ord-" + intentID, nil
}

func (s *stubAdapter) GetAccountSnapshot(_ context.Context) (AccountSnapshot, error) {
	s.snapshotCalls++
	if s.failuresRemaining > 0 {
		s.failuresRemaining--
		return AccountSnapshot{}, s.failWith
	}
	return AccountSnapshot{Equity: 10000}, nil
}

func (s *stubAdapter) CancelRobotOwnedWorkingOrders(context.Context, string, []string) error { return nil }
func (s *stubAdapter) FlattenIntent(context.Context, string) error                           { return nil }
func (s *stubAdapter) CancelIntentOrders(context.Context, string) error                      { return nil }

func TestCircuitBreakerAdapter_PassesThroughSuccess(t *testing.T) {
	stub := &stubAdapter{}
	cb := NewCircuitBreakerAdapter(stub)

	orderID, err := cb.SubmitEntryOrder(context.Background(), "intent-1", "ES", models.DirectionLong, 5000.25, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ord-intent-1", orderID)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerAdapter_TripsAfterFailureRatio(t *testing.T) {
	stub := &stubAdapter{failuresRemaining: 10, failWith: errors.New("broker unreachable")}
	cb := NewCircuitBreakerAdapterWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 2; i++ {
		_, err := cb.GetAccountSnapshot(context.Background())
		assert.Error(t, err)
	}

	_, err := cb.GetAccountSnapshot(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestRetryAdapter_RetriesTransientFailureThenSucceeds(t *testing.T) {
	stub := &stubAdapter{failuresRemaining: 2, failWith: errors.New("connection reset by peer")}
	r := NewRetryAdapter(stub, nil, RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	orderID, err := r.SubmitEntryOrder(context.Background(), "intent-2", "ES", models.DirectionLong, 5000.25, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ord-intent-2", orderID)
	assert.Equal(t, 3, stub.submitCalls)
}

func TestRetryAdapter_NonTransientFailureIsNotRetried(t *testing.T) {
	stub := &stubAdapter{failuresRemaining: 5, failWith: errors.New("risk gate denied")}
	r := NewRetryAdapter(stub, nil, RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	_, err := r.SubmitEntryOrder(context.Background(), "intent-3", "ES", models.DirectionLong, 5000.25, 1, time.Now())
	assert.Error(t, err)
	assert.Equal(t, 1, stub.submitCalls)
}

func TestRetryAdapter_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	stub := &stubAdapter{failuresRemaining: 100, failWith: errors.New("timeout")}
	r := NewRetryAdapter(stub, nil, RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	_, err := r.SubmitEntryOrder(context.Background(), "intent-4", "ES", models.DirectionLong, 5000.25, 1, time.Now())
	assert.Error(t, err)
	assert.Equal(t, 3, stub.submitCalls)
}

func TestSimAdapter_SubmitAndSnapshot(t *testing.T) {
	sim := NewSimAdapter(10000)

	orderID, err := sim.SubmitEntryOrder(context.Background(), "intent-5", "ES", models.DirectionLong, 5000.25, 2, time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	snap, err := sim.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, 2, snap.OpenPositions[0].Qty)
	require.Len(t, snap.WorkingOrders, 1)
	assert.Equal(t, "intent-5", snap.WorkingOrders[0].IntentID)
}

func TestSimAdapter_ShortIsSignedNegative(t *testing.T) {
	sim := NewSimAdapter(10000)
	_, err := sim.SubmitEntryOrder(context.Background(), "intent-6", "ES", models.DirectionShort, 4990.0, 3, time.Now())
	require.NoError(t, err)

	snap, err := sim.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, -3, snap.OpenPositions[0].Qty)
}

func TestSimAdapter_FlattenIntentZeroesPosition(t *testing.T) {
	sim := NewSimAdapter(10000)
	_, err := sim.SubmitEntryOrder(context.Background(), "intent-7", "ES", models.DirectionLong, 5000.0, 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, sim.FlattenIntent(context.Background(), "intent-7"))

	snap, err := sim.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.OpenPositions)
}

func TestSimAdapter_CancelRobotOwnedWorkingOrdersKeepsListed(t *testing.T) {
	sim := NewSimAdapter(10000)
	_, err := sim.SubmitEntryOrder(context.Background(), "keep-me", "ES", models.DirectionLong, 5000.0, 1, time.Now())
	require.NoError(t, err)
	_, err = sim.SubmitEntryOrder(context.Background(), "drop-me", "ES", models.DirectionLong, 5001.0, 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, sim.CancelRobotOwnedWorkingOrders(context.Background(), "ES", []string{"keep-me"}))

	snap, err := sim.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.WorkingOrders, 1)
	assert.Equal(t, "keep-me", snap.WorkingOrders[0].IntentID)
}

func TestSimAdapter_OnProtectiveOrderFailureForwardsToNotifier(t *testing.T) {
	sim := NewSimAdapter(10000)
	var gotIntent, gotReason string
	sim.SetProtectiveOrderFailureNotifier(notifierFunc(func(intentID, reason string) {
		gotIntent, gotReason = intentID, reason
	}))

	sim.OnProtectiveOrderFailure("intent-8", "bracket rejected")
	assert.Equal(t, "intent-8", gotIntent)
	assert.Equal(t, "bracket rejected", gotReason)
}

type notifierFunc func(intentID, reason string)

func (f notifierFunc) OnProtectiveOrderFailure(intentID, reason string) { f(intentID, reason) }
