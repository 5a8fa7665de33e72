// Package config loads the service configuration from a YAML file.
// Omitted keys keep their defaults, and a missing file yields the
// default configuration so the server can start with no config at all.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/genkai/docqa/pkg/docqa/backend"
	"github.com/genkai/docqa/pkg/docqa/concurrency"
)

// File is the on-disk YAML shape. Durations are strings like "30s".
type File struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Backend struct {
		BaseURL              string  `yaml:"base_url"`
		Model                string  `yaml:"model"`
		RequestTimeout       string  `yaml:"request_timeout"`
		MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
		Burst                int     `yaml:"burst"`
	} `yaml:"backend"`

	Admission struct {
		MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
		MaxQueueSize          int    `yaml:"max_queue_size"`
		RequestTimeout        string `yaml:"request_timeout"`
		RateLimitPerWindow    int    `yaml:"rate_limit_per_window"`
		RateLimitWindow       string `yaml:"rate_limit_window"`
		EnableQueueing        *bool  `yaml:"enable_queueing"`
		EnableRateLimiting    *bool  `yaml:"enable_rate_limiting"`
		PoolSize              int    `yaml:"pool_size"`
		PoolAcquireTimeout    string `yaml:"pool_acquire_timeout"`
	} `yaml:"admission"`
}

// ServiceConfig is the resolved configuration.
type ServiceConfig struct {
	Listen   string `validate:"required"`
	LogLevel string `validate:"required,oneof=debug info warn error"`

	Backend     *backend.Config
	Concurrency *concurrency.Config
}

// Default returns the configuration used when no file is present.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Listen:      "0.0.0.0:8000",
		LogLevel:    "info",
		Backend:     backend.DefaultConfig(),
		Concurrency: concurrency.DefaultConfig(),
	}
}

var validate = validator.New()

// Validate validates the resolved configuration, including the backend
// and admission-control sections.
func (c *ServiceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	return c.Concurrency.Validate()
}

// Load reads the YAML file at path and overlays it onto the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*ServiceConfig, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.apply(&file); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// apply overlays the non-empty file fields onto the defaults.
func (c *ServiceConfig) apply(f *File) error {
	if f.Listen != "" {
		c.Listen = f.Listen
	}
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}

	if f.Backend.BaseURL != "" {
		c.Backend.BaseURL = f.Backend.BaseURL
	}
	if f.Backend.Model != "" {
		c.Backend.Model = f.Backend.Model
	}
	if err := overlayDuration(&c.Backend.RequestTimeout, f.Backend.RequestTimeout, "backend.request_timeout"); err != nil {
		return err
	}
	if f.Backend.MaxRequestsPerSecond > 0 {
		c.Backend.MaxRequestsPerSecond = f.Backend.MaxRequestsPerSecond
	}
	if f.Backend.Burst > 0 {
		c.Backend.Burst = f.Backend.Burst
	}

	adm := f.Admission
	if adm.MaxConcurrentRequests > 0 {
		c.Concurrency.MaxConcurrentRequests = adm.MaxConcurrentRequests
	}
	if adm.MaxQueueSize > 0 {
		c.Concurrency.MaxQueueSize = adm.MaxQueueSize
	}
	if err := overlayDuration(&c.Concurrency.RequestTimeout, adm.RequestTimeout, "admission.request_timeout"); err != nil {
		return err
	}
	if adm.RateLimitPerWindow > 0 {
		c.Concurrency.RateLimitPerWindow = adm.RateLimitPerWindow
	}
	if err := overlayDuration(&c.Concurrency.RateLimitWindow, adm.RateLimitWindow, "admission.rate_limit_window"); err != nil {
		return err
	}
	if adm.EnableQueueing != nil {
		c.Concurrency.EnableQueueing = *adm.EnableQueueing
	}
	if adm.EnableRateLimiting != nil {
		c.Concurrency.EnableRateLimiting = *adm.EnableRateLimiting
	}
	if adm.PoolSize > 0 {
		c.Concurrency.PoolSize = adm.PoolSize
	}
	if err := overlayDuration(&c.Concurrency.PoolAcquireTimeout, adm.PoolAcquireTimeout, "admission.pool_acquire_timeout"); err != nil {
		return err
	}

	return nil
}

func overlayDuration(dst *time.Duration, raw string, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*dst = d
	return nil
}
