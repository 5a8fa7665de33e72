package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig controls exponential-backoff retry behaviour.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first; 0 = unlimited
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on the delay between attempts
	Multiplier  float64       // growth factor between attempts
	Jitter      bool          // randomize delays to avoid thundering herds
}

// DefaultRetryConfig returns the standard retry policy for transient
// backend failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Permanent marks err as non-retryable; Retry returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent error, exhausts the attempt budget, or ctx is cancelled.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, op func() (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	exp.MaxElapsedTime = 0
	if !cfg.Jitter {
		exp.RandomizationFactor = 0
	}

	var policy backoff.BackOff = exp
	if cfg.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.RetryNotifyWithData(op, policy, func(err error, next time.Duration) {
		logger.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Duration("next_attempt_in", next))
	})
}
