package broker

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/qtsw2/breakout-engine/internal/models"
)

// RetryConfig controls the backoff schedule RetryAdapter applies around a
// transient broker failure.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig mirrors the adapter's sibling retry client: three
// retries, 1s initial backoff growing 1.5x per attempt up to 30s.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// RetryAdapter wraps an Adapter and retries transient failures (network
// blips, broker-side rate limiting) with exponential backoff and jitter.
// Non-transient failures (rejection, validation) are returned immediately.
type RetryAdapter struct {
	adapter Adapter
	logger  *log.Logger
	config  RetryConfig
}

// NewRetryAdapter wraps adapter with DefaultRetryConfig. A nil logger
// defaults to log.Default().
func NewRetryAdapter(adapter Adapter, logger *log.Logger, config ...RetryConfig) *RetryAdapter {
	cfg := DefaultRetryConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &RetryAdapter{adapter: adapter, logger: logger, config: cfg}
}

func (r *RetryAdapter) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: operation canceled: %w", op, ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		r.logger.Printf("%s attempt %d/%d failed: %v", op, attempt+1, r.config.MaxRetries+1, err)

		if !isTransientError(err) || attempt == r.config.MaxRetries {
			break
		}

		r.logger.Printf("%s: transient error, retrying in %v", op, backoff)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, r.config.MaxBackoff, r.logger)
		case <-ctx.Done():
			return fmt.Errorf("%s: operation canceled during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", op, r.config.MaxRetries+1, lastErr)
}

func (r *RetryAdapter) SubmitEntryOrder(ctx context.Context, intentID, instrument string, direction models.Direction,
	price float64, qty int, now time.Time) (string, error) {
	var orderID string
	err := r.withRetry(ctx, "SubmitEntryOrder", func() error {
		var innerErr error
		orderID, innerErr = r.adapter.SubmitEntryOrder(ctx, intentID, instrument, direction, price, qty, now)
		return innerErr
	})
	return orderID, err
}

func (r *RetryAdapter) GetAccountSnapshot(ctx context.Context) (AccountSnapshot, error) {
	var snap AccountSnapshot
	err := r.withRetry(ctx, "GetAccountSnapshot", func() error {
		var innerErr error
		snap, innerErr = r.adapter.GetAccountSnapshot(ctx)
		return innerErr
	})
	return snap, err
}

func (r *RetryAdapter) CancelRobotOwnedWorkingOrders(ctx context.Context, instrument string, keepIntentIDs []string) error {
	return r.withRetry(ctx, "CancelRobotOwnedWorkingOrders", func() error {
		return r.adapter.CancelRobotOwnedWorkingOrders(ctx, instrument, keepIntentIDs)
	})
}

func (r *RetryAdapter) FlattenIntent(ctx context.Context, intentID string) error {
	return r.withRetry(ctx, "FlattenIntent", func() error {
		return r.adapter.FlattenIntent(ctx, intentID)
	})
}

func (r *RetryAdapter) CancelIntentOrders(ctx context.Context, intentID string) error {
	return r.withRetry(ctx, "CancelIntentOrders", func() error {
		return r.adapter.CancelIntentOrders(ctx, intentID)
	})
}

func nextBackoff(current, max time.Duration, logger *log.Logger) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
