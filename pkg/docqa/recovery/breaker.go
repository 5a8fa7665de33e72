package recovery

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig controls the circuit breaker guarding a downstream
// dependency.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the circuit
	OpenTimeout      time.Duration // how long the circuit stays open
	HalfOpenRequests uint32        // probe budget while half-open
}

// DefaultBreakerConfig returns the standard breaker policy for the
// inference backend.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// NewBreaker creates a circuit breaker with state transitions logged.
func NewBreaker[T any](cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return gobreaker.NewCircuitBreaker[T](settings)
}

// IsCircuitOpen reports whether err means the breaker rejected the call
// without reaching the downstream dependency.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
