package concurrency

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds admission-control configuration.
type Config struct {
	MaxConcurrentRequests int           `validate:"required,min=1"`
	MaxQueueSize          int           `validate:"required,min=1"`
	RequestTimeout        time.Duration `validate:"required,min=1ms"`
	RateLimitPerWindow    int           `validate:"required,min=1"`
	RateLimitWindow       time.Duration `validate:"required,min=1s"`
	EnableQueueing        bool
	EnableRateLimiting    bool
	PoolSize              int           `validate:"required,min=1"`
	PoolAcquireTimeout    time.Duration `validate:"required,min=1ms"`
}

// DefaultConfig returns the default admission-control configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentRequests: 10,
		MaxQueueSize:          100,
		RequestTimeout:        30 * time.Second,
		RateLimitPerWindow:    60,
		RateLimitWindow:       60 * time.Second,
		EnableQueueing:        true,
		EnableRateLimiting:    true,
		PoolSize:              20,
		PoolAcquireTimeout:    5 * time.Second,
	}
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
