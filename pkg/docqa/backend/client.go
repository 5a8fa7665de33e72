// Package backend talks to the Ollama-compatible inference service the
// QA pipeline generates answers with. Calls are paced with an outbound
// rate limiter, retried on transient failures, and guarded by a circuit
// breaker so a struggling backend sheds load instead of piling it up.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/genkai/docqa/pkg/docqa/common"
	"github.com/genkai/docqa/pkg/docqa/recovery"
)

// Config holds inference backend configuration.
type Config struct {
	BaseURL              string        `validate:"required,url"`
	Model                string        `validate:"required"`
	RequestTimeout       time.Duration `validate:"required,min=1ms"`
	MaxRequestsPerSecond float64       // 0 disables outbound pacing
	Burst                int
	Retry                recovery.RetryConfig
	Breaker              recovery.BreakerConfig
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:              "http://localhost:11434",
		Model:                "llama3.2:3b",
		RequestTimeout:       60 * time.Second,
		MaxRequestsPerSecond: 10,
		Burst:                5,
		Retry:                recovery.DefaultRetryConfig(),
		Breaker:              recovery.DefaultBreakerConfig("inference-backend"),
	}
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("backend configuration validation failed: %w", err)
	}
	return nil
}

// GenerateRequest is the payload for a generation call.
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse is the backend's answer to a generation call.
type GenerateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration,omitempty"`
	EvalCount     int    `json:"eval_count,omitempty"`
}

// ModelInfo describes one model available on the backend.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Client is an HTTP client for the inference backend.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter // nil when pacing is disabled
	breaker    *gobreaker.CircuitBreaker[*GenerateResponse]
	retryCfg   recovery.RetryConfig
	logger     *zap.Logger
}

// NewClient creates a backend client from the given configuration.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		breaker:  recovery.NewBreaker[*GenerateResponse](cfg.Breaker, logger),
		retryCfg: cfg.Retry,
		logger:   logger,
	}

	if cfg.MaxRequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}

	return c, nil
}

// Model returns the model name requests default to.
func (c *Client) Model() string {
	return c.model
}

// Generate asks the backend to produce an answer for the given prompt.
// Transient failures are retried; an open circuit fails fast with an
// error satisfying errors.Is(err, common.ErrBackendUnavailable).
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	return recovery.Retry(ctx, c.retryCfg, c.logger, func() (*GenerateResponse, error) {
		resp, err := c.breaker.Execute(func() (*GenerateResponse, error) {
			return c.doGenerate(ctx, req)
		})
		if err != nil {
			if recovery.IsCircuitOpen(err) {
				return nil, recovery.Permanent(fmt.Errorf("%w: circuit open", common.ErrBackendUnavailable))
			}
			return nil, err
		}
		return resp, nil
	})
}

func (c *Client) doGenerate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, recovery.Permanent(fmt.Errorf("encoding generate request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, recovery.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", common.ErrBackendUnavailable, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, recovery.Permanent(fmt.Errorf("backend rejected request: status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data))))
	}

	var resp GenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding generate response: %w", err)
	}

	c.logger.Debug("Generation completed",
		zap.String("model", resp.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("eval_count", resp.EvalCount))

	return &resp, nil
}

// ListModels returns the models available on the backend.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", common.ErrBackendUnavailable, httpResp.StatusCode)
	}

	var payload struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	return payload.Models, nil
}

// Healthy reports whether the backend answers at all.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.ListModels(ctx)
	return err == nil
}
