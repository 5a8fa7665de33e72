package common

import (
	"time"

	"go.uber.org/zap"
)

// Measure runs fn and logs the elapsed wall-clock time under the given label.
// The result and error of fn are returned unchanged.
func Measure[T any](logger *zap.Logger, label string, fn func() (T, error)) (T, error) {
	start := time.Now()
	value, err := fn()
	elapsed := time.Since(start)

	if err != nil {
		logger.Warn("Operation failed",
			zap.String("operation", label),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		logger.Debug("Operation completed",
			zap.String("operation", label),
			zap.Duration("elapsed", elapsed))
	}

	return value, err
}
