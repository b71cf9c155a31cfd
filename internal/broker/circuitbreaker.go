package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// CircuitBreakerSettings configures the underlying gobreaker.CircuitBreaker.
// Field names mirror gobreaker.Settings' tunable subset.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips after half of at least 5 requests in
// a rolling window fail, and probes recovery after 30s.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// CircuitBreakerAdapter wraps an Adapter with a gobreaker circuit breaker,
// so a run of broker failures fails fast instead of hammering a degraded
// broker connection with further submissions.
type CircuitBreakerAdapter struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerAdapter wraps adapter with DefaultCircuitBreakerSettings.
func NewCircuitBreakerAdapter(adapter Adapter) *CircuitBreakerAdapter {
	return NewCircuitBreakerAdapterWithSettings(adapter, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerAdapterWithSettings wraps adapter with explicit settings.
func NewCircuitBreakerAdapterWithSettings(adapter Adapter, settings CircuitBreakerSettings) *CircuitBreakerAdapter {
	cbSettings := gobreaker.Settings{
		Name:        "execution-adapter",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
	}
	return &CircuitBreakerAdapter{
		adapter: adapter,
		breaker: gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// State exposes the breaker's current state for dashboard/health reporting.
func (c *CircuitBreakerAdapter) State() gobreaker.State {
	return c.breaker.State()
}

func (c *CircuitBreakerAdapter) SubmitEntryOrder(ctx context.Context, intentID, instrument string, direction models.Direction,
	price float64, qty int, now time.Time) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.adapter.SubmitEntryOrder(ctx, intentID, instrument, direction, price, qty, now)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *CircuitBreakerAdapter) GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.adapter.GetAccountSnapshot(ctx)
	})
	if err != nil {
		return AccountSnapshot{}, err
	}
	return result.(AccountSnapshot), nil
}

func (c *CircuitBreakerAdapter) CancelRobotOwnedWorkingOrders(ctx context.Context, instrument string, keepIntentIDs []string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.adapter.CancelRobotOwnedWorkingOrders(ctx, instrument, keepIntentIDs)
	})
	return err
}

func (c *CircuitBreakerAdapter) FlattenIntent(ctx context.Context, intentID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.adapter.FlattenIntent(ctx, intentID)
	})
	return err
}

func (c *CircuitBreakerAdapter) CancelIntentOrders(ctx context.Context, intentID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.adapter.CancelIntentOrders(ctx, intentID)
	})
	return err
}
