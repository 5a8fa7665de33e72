package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genkai/docqa/pkg/docqa/common"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		_ = m.Close()
	})

	return m
}

func echoHandler(value any) Handler {
	return func(ctx context.Context) (any, error) {
		return value, nil
	}
}

func sleepHandler(d time.Duration, value any) Handler {
	return func(ctx context.Context) (any, error) {
		select {
		case <-time.After(d):
			return value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestManagerStartIsIdempotentSafe(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() {
		_ = m.Close()
	}()

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	// Second start while running fails without re-initializing
	assert.ErrorIs(t, m.Start(), common.ErrAlreadyRunning)
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	// Stopping a stopped manager is a no-op
	assert.NoError(t, m.Stop())
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 0

	_, err := NewManager(cfg, nil)
	assert.Error(t, err)
}

func TestSubmitQueuedSuccess(t *testing.T) {
	m := newTestManager(t, nil)

	value, err := m.Submit(context.Background(), echoHandler("answer"), SubmitOptions{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "answer", value)

	metrics, ok := m.registry.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, metrics.Status)
	assert.True(t, metrics.HasQueueTime)
}

func TestSubmitRequiresHandler(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Submit(context.Background(), nil, SubmitOptions{})
	assert.Error(t, err)
}

func TestSubmitNotRunning(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() {
		_ = m.Close()
	}()

	_, err = m.Submit(context.Background(), echoHandler("x"), SubmitOptions{})
	assert.ErrorIs(t, err, common.ErrNotRunning)
}

func TestBoundedConcurrency(t *testing.T) {
	const (
		maxConcurrent = 2
		total         = 6
		delay         = 100 * time.Millisecond
	)

	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = maxConcurrent
		cfg.MaxQueueSize = total
		cfg.EnableRateLimiting = false
	})

	var active, peak int64
	handler := func(ctx context.Context) (any, error) {
		current := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if current <= old || atomic.CompareAndSwapInt64(&peak, old, current) {
				break
			}
		}
		time.Sleep(delay)
		atomic.AddInt64(&active, -1)
		return nil, nil
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Submit(context.Background(), handler, SubmitOptions{})
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxConcurrent))

	// 6 requests, 2 at a time, 100ms each: at least 3 batches
	assert.GreaterOrEqual(t, elapsed, 3*delay-20*time.Millisecond)
}

func TestRateLimitExceeded(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.RateLimitPerWindow = 2
		cfg.RateLimitWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		_, err := m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{ClientID: "tenant-a"})
		require.NoError(t, err)
	}

	_, err := m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{RequestID: "rejected", ClientID: "tenant-a"})
	assert.ErrorIs(t, err, common.ErrRateLimitExceeded)

	// The rejection is recorded, not silently dropped
	metrics, ok := m.registry.Get("rejected")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, metrics.Status)
	assert.Equal(t, "rate_limit_exceeded", metrics.ErrorMessage)

	// Other clients keep their own budget
	_, err = m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{ClientID: "tenant-b"})
	assert.NoError(t, err)
}

func TestQueueFullBackpressure(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 1
		cfg.MaxQueueSize = 1
		cfg.EnableRateLimiting = false
		cfg.RequestTimeout = 5 * time.Second
	})

	release := make(chan struct{})
	blocking := func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer close(release)

	var wg sync.WaitGroup
	// Occupy the single worker, then fill the queue
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Submit(context.Background(), blocking, SubmitOptions{})
		}()
	}

	// Give the worker time to dequeue the first request
	time.Sleep(200 * time.Millisecond)

	_, err := m.Submit(context.Background(), echoHandler("overflow"), SubmitOptions{RequestID: "overflow"})
	assert.ErrorIs(t, err, common.ErrQueueFull)

	metrics, ok := m.registry.Get("overflow")
	require.True(t, ok)
	assert.Equal(t, "queue_full", metrics.ErrorMessage)
}

func TestHandlerErrorPropagatesVerbatim(t *testing.T) {
	m := newTestManager(t, nil)

	sentinel := errors.New("vector index unavailable")
	handler := func(ctx context.Context) (any, error) {
		return nil, sentinel
	}

	_, err := m.Submit(context.Background(), handler, SubmitOptions{RequestID: "failing"})
	assert.ErrorIs(t, err, sentinel)

	metrics, ok := m.registry.Get("failing")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, metrics.Status)
	assert.Equal(t, "vector index unavailable", metrics.ErrorMessage)
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 1
	})

	panicking := func(ctx context.Context) (any, error) {
		panic("bad handler")
	}

	_, err := m.Submit(context.Background(), panicking, SubmitOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")

	// The single worker must still service subsequent requests
	value, err := m.Submit(context.Background(), echoHandler("still alive"), SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "still alive", value)
}

func TestRequestTimeout(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
		cfg.EnableRateLimiting = false
	})

	_, err := m.Submit(context.Background(), sleepHandler(2*time.Second, nil), SubmitOptions{RequestID: "slow"})
	assert.ErrorIs(t, err, common.ErrTimeout)

	metrics, ok := m.registry.Get("slow")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, metrics.Status)
}

func TestSubmitCancelled(t *testing.T) {
	m := newTestManager(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := m.Submit(ctx, sleepHandler(5*time.Second, nil), SubmitOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopRejectsQueuedRequests(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 1
		cfg.EnableRateLimiting = false
		cfg.RequestTimeout = 10 * time.Second
	})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	blocking := func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	go func() {
		_, _ = m.Submit(context.Background(), blocking, SubmitOptions{})
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), echoHandler("never runs"), SubmitOptions{RequestID: "stranded"})
		queuedErr <- err
	}()

	// Wait for the second request to sit in the queue
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Stop())

	select {
	case err := <-queuedErr:
		assert.ErrorIs(t, err, common.ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("Queued request was never resolved after Stop")
	}

	metrics, ok := m.registry.Get("stranded")
	require.True(t, ok)
	assert.Equal(t, "shutdown", metrics.ErrorMessage)
}

func TestFIFOOrderIgnoresPriority(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 1
		cfg.EnableRateLimiting = false
		cfg.RequestTimeout = 10 * time.Second
	})

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}

	go func() {
		_, _ = m.Submit(context.Background(), blocking, SubmitOptions{})
	}()
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	// Enqueue in a known order with priorities that would reverse it if
	// priority scheduling were in effect
	for _, req := range []struct {
		name     string
		priority int
	}{
		{"first", 9},
		{"second", 5},
		{"third", 0},
	} {
		wg.Add(1)
		go func(name string, priority int) {
			defer wg.Done()
			_, _ = m.Submit(context.Background(), record(name), SubmitOptions{Priority: priority})
		}(req.name, req.priority)
		time.Sleep(50 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDirectModeBypassesQueue(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableQueueing = false
		cfg.EnableRateLimiting = false
	})

	value, err := m.Submit(context.Background(), echoHandler(42), SubmitOptions{RequestID: "direct"})
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	metrics, ok := m.registry.Get("direct")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, metrics.Status)
	assert.False(t, metrics.HasQueueTime)
}

func TestDirectModeTimeout(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableQueueing = false
		cfg.EnableRateLimiting = false
		cfg.RequestTimeout = 100 * time.Millisecond
	})

	_, err := m.Submit(context.Background(), sleepHandler(2*time.Second, nil), SubmitOptions{RequestID: "slow-direct"})
	assert.ErrorIs(t, err, common.ErrTimeout)

	metrics, ok := m.registry.Get("slow-direct")
	require.True(t, ok)
	assert.Equal(t, "timeout", metrics.ErrorMessage)
}

func TestGetMetricsCounts(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{})
		require.NoError(t, err)
	}

	stats := m.GetMetrics(time.Hour)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 3, stats.CompletedRequests)
	assert.Equal(t, 0, stats.FailedRequests)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}
	for i := 0; i < 2; i++ {
		_, err := m.Submit(context.Background(), failing, SubmitOptions{})
		require.Error(t, err)
	}

	stats = m.GetMetrics(time.Hour)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 3, stats.CompletedRequests)
	assert.Equal(t, 2, stats.FailedRequests)
	assert.InDelta(t, 0.6, stats.SuccessRate, 0.001)
}

func TestGetMetricsAllFailed(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	}
	for i := 0; i < 4; i++ {
		_, _ = m.Submit(context.Background(), failing, SubmitOptions{})
	}

	stats := m.GetMetrics(time.Hour)
	assert.Equal(t, 4, stats.FailedRequests)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestAverageProcessingTime(t *testing.T) {
	const delay = 80 * time.Millisecond

	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), sleepHandler(delay, nil), SubmitOptions{})
		require.NoError(t, err)
	}

	stats := m.GetMetrics(time.Hour)
	require.Equal(t, 3, stats.CompletedRequests)

	// Mean should reflect the handler durations, allowing scheduling overhead
	assert.GreaterOrEqual(t, stats.AverageProcessingTime, delay-5*time.Millisecond)
	assert.Less(t, stats.AverageProcessingTime, delay+300*time.Millisecond)
}

func TestGetMetricsLiveReadings(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.RateLimitPerWindow = 10
		cfg.RateLimitWindow = time.Minute
	})

	_, err := m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{})
	require.NoError(t, err)

	stats := m.GetMetrics(time.Hour)
	assert.Equal(t, 0, stats.QueueSize)
	assert.Equal(t, 0, stats.ActiveConnections)
	assert.Equal(t, 9, stats.RateLimitRemaining)
}

func TestGetMetricsRateLimitDisabled(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	stats := m.GetMetrics(time.Hour)
	assert.Equal(t, -1, stats.RateLimitRemaining)
}

func TestCleanupOldMetrics(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	_, err := m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	removed := m.CleanupOldMetrics(10 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, m.GetMetrics(time.Hour).TotalRequests)
}

func TestOverloadScenario(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.MaxConcurrentRequests = 2
		cfg.MaxQueueSize = 2
		cfg.RequestTimeout = 1 * time.Second
		cfg.EnableRateLimiting = false
	})

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Submit(context.Background(), sleepHandler(200*time.Millisecond, nil), SubmitOptions{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		// Overflow must fail with backpressure, never crash or hang
		assert.True(t,
			errors.Is(err, common.ErrQueueFull) || errors.Is(err, common.ErrTimeout),
			"unexpected error: %v", err)
	}

	assert.GreaterOrEqual(t, succeeded, 4)
	assert.Equal(t, 6, m.GetMetrics(time.Hour).TotalRequests)
}

func TestGeneratedRequestIDsAreUnique(t *testing.T) {
	m := newTestManager(t, func(cfg *Config) {
		cfg.EnableRateLimiting = false
	})

	const total = 20
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Submit(context.Background(), echoHandler("ok"), SubmitOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, total, m.GetMetrics(time.Hour).TotalRequests)
}
