package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/genkai/docqa/pkg/docqa/common"
)

const (
	defaultClientID = "default"

	// enqueueTimeout bounds the wait to enter the queue. It is fixed and
	// decoupled from RequestTimeout: a full queue is a backpressure
	// signal, not something to buffer behind.
	enqueueTimeout = 1 * time.Second

	shutdownJoinTimeout = 10 * time.Second
)

// Handler is an opaque unit of work executed under admission control.
// The manager never inspects its payload; it only invokes it and awaits
// the result or error.
type Handler func(ctx context.Context) (any, error)

// SubmitOptions carries per-call submission parameters.
type SubmitOptions struct {
	RequestID string // unique request ID; generated when empty
	ClientID  string // rate-limit key; defaults to "default"
	Priority  int    // lower is higher priority; recorded but dispatch stays FIFO
}

type result struct {
	value any
	err   error
}

type queuedRequest struct {
	requestID  string
	handler    Handler
	resultSlot chan result // buffered, resolved exactly once by one worker
	enqueuedAt time.Time
	priority   int
	dispatched atomic.Bool
}

// resolve delivers the outcome to the waiting caller. The slot is
// buffered so an abandoned caller never blocks a worker.
func (qr *queuedRequest) resolve(res result) {
	select {
	case qr.resultSlot <- res:
	default:
	}
}

// Manager is the admission-control entry point. It bounds concurrency
// with a semaphore, buffers excess work in a bounded FIFO queue serviced
// by a fixed worker pool, applies per-client rate limiting, guards the
// downstream connection budget with a resource pool, and records
// per-request lifecycle metrics.
type Manager struct {
	config   *Config
	logger   *zap.Logger
	sem      *semaphore.Weighted
	pool     *ResourcePool
	limiter  *RateLimiter // nil when rate limiting is disabled
	registry *Registry
	queue    chan *queuedRequest

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager from the given configuration.
// If logger is nil, a no-op logger is used.
func NewManager(cfg *Config, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:   cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		pool:     NewResourcePool(cfg.PoolSize),
		registry: NewRegistry(),
		queue:    make(chan *queuedRequest, cfg.MaxQueueSize),
	}

	if cfg.EnableRateLimiting {
		m.limiter = NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	}

	return m, nil
}

// Start launches the worker pool. A second call while running returns
// ErrAlreadyRunning without touching any state.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("Concurrency manager already running")
		return common.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	if m.config.EnableQueueing {
		for i := 0; i < m.config.MaxConcurrentRequests; i++ {
			m.wg.Add(1)
			go m.workerLoop(ctx, i)
		}
	}

	m.logger.Info("Concurrency manager started",
		zap.Int("max_concurrent", m.config.MaxConcurrentRequests),
		zap.Int("max_queue_size", m.config.MaxQueueSize),
		zap.Bool("queueing", m.config.EnableQueueing),
		zap.Bool("rate_limiting", m.config.EnableRateLimiting))

	return nil
}

// Stop cancels the workers, waits for them with a bounded join, and
// rejects every request still sitting in the queue with ErrShutdown so
// no caller is left waiting on a slot that will never resolve.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.logger.Info("Concurrency manager not running, nothing to stop")
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		m.logger.Warn("Timed out waiting for workers to stop")
		return fmt.Errorf("worker join timed out after %v", shutdownJoinTimeout)
	}

	if drained := m.drainQueue(); drained > 0 {
		m.logger.Info("Rejected queued requests on shutdown", zap.Int("count", drained))
	}

	m.logger.Info("Concurrency manager stopped")
	return nil
}

// Close stops the manager and releases background resources.
func (m *Manager) Close() error {
	err := m.Stop()
	if m.limiter != nil {
		m.limiter.Close()
	}
	return err
}

// IsRunning reports whether the worker pool is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Submit runs handler under admission control and returns its result.
// It may return ErrRateLimitExceeded, ErrQueueFull, ErrTimeout,
// ErrShutdown, or any error the handler itself returned, unchanged.
func (m *Manager) Submit(ctx context.Context, handler Handler, opts SubmitOptions) (any, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if m.limiter != nil && !m.limiter.Allow(clientID) {
		m.registry.Begin(requestID)
		m.registry.Fail(requestID, "rate_limit_exceeded")
		m.logger.Warn("Request rejected by rate limiter",
			zap.String("request_id", requestID),
			zap.String("client_id", clientID))
		return nil, fmt.Errorf("client %q: %w", clientID, common.ErrRateLimitExceeded)
	}

	m.registry.Begin(requestID)

	if m.config.EnableQueueing {
		return m.submitQueued(ctx, handler, requestID, opts.Priority)
	}
	return m.submitDirect(ctx, handler, requestID)
}

// submitQueued enqueues the request and awaits its result slot.
func (m *Manager) submitQueued(ctx context.Context, handler Handler, requestID string, priority int) (any, error) {
	if !m.IsRunning() {
		m.registry.Fail(requestID, "not_running")
		return nil, common.ErrNotRunning
	}

	qr := &queuedRequest{
		requestID:  requestID,
		handler:    handler,
		resultSlot: make(chan result, 1),
		enqueuedAt: time.Now(),
		priority:   priority,
	}

	enqueueTimer := time.NewTimer(enqueueTimeout)
	defer enqueueTimer.Stop()

	select {
	case m.queue <- qr:
	case <-enqueueTimer.C:
		m.registry.Fail(requestID, "queue_full")
		return nil, fmt.Errorf("request %s: %w", requestID, common.ErrQueueFull)
	case <-ctx.Done():
		m.registry.Fail(requestID, "cancelled")
		return nil, ctx.Err()
	}

	waitTimer := time.NewTimer(m.config.RequestTimeout)
	defer waitTimer.Stop()

	select {
	case res := <-qr.resultSlot:
		if res.err != nil {
			m.registry.Fail(requestID, failureMessage(res.err))
			return nil, res.err
		}
		m.registry.Complete(requestID)
		return res.value, nil
	case <-waitTimer.C:
		// Distinguish a request that never left the queue from one that
		// timed out in flight.
		if qr.dispatched.Load() {
			m.registry.Fail(requestID, "timeout")
		} else {
			m.registry.Fail(requestID, "queue_timeout")
		}
		return nil, fmt.Errorf("request %s: %w", requestID, common.ErrTimeout)
	case <-ctx.Done():
		m.registry.Fail(requestID, "cancelled")
		return nil, ctx.Err()
	}
}

// submitDirect bypasses the queue: semaphore and pool slot are acquired
// on the caller's goroutine, then the handler runs under RequestTimeout.
func (m *Manager) submitDirect(ctx context.Context, handler Handler, requestID string) (any, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.registry.Fail(requestID, "cancelled")
		return nil, err
	}
	defer m.sem.Release(1)

	poolCtx, cancelPool := context.WithTimeout(ctx, m.config.PoolAcquireTimeout)
	defer cancelPool()

	var value any
	err := m.pool.WithSlot(poolCtx, func() error {
		m.registry.MarkProcessing(requestID)

		runCtx, cancelRun := context.WithTimeout(ctx, m.config.RequestTimeout)
		defer cancelRun()

		v, err := invokeHandler(runCtx, handler)
		value = v
		return err
	})
	if err != nil {
		m.registry.Fail(requestID, failureMessage(err))
		return nil, err
	}

	m.registry.Complete(requestID)
	return value, nil
}

func (m *Manager) workerLoop(ctx context.Context, workerID int) {
	defer m.wg.Done()

	logger := m.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker stopped")
			return
		case qr := <-m.queue:
			m.processQueued(ctx, qr, logger)
		}
	}
}

// processQueued services one dequeued request: record queue time,
// acquire the semaphore and a pool slot, run the handler under
// RequestTimeout, and resolve the caller's result slot. A fault here is
// delivered to the caller and never terminates the worker.
func (m *Manager) processQueued(ctx context.Context, qr *queuedRequest, logger *zap.Logger) {
	qr.dispatched.Store(true)
	m.registry.RecordQueueTime(qr.requestID, time.Since(qr.enqueuedAt))

	if err := m.sem.Acquire(ctx, 1); err != nil {
		qr.resolve(result{err: common.ErrShutdown})
		return
	}
	defer m.sem.Release(1)

	poolCtx, cancelPool := context.WithTimeout(ctx, m.config.PoolAcquireTimeout)
	defer cancelPool()

	err := m.pool.WithSlot(poolCtx, func() error {
		m.registry.MarkProcessing(qr.requestID)

		runCtx, cancelRun := context.WithTimeout(ctx, m.config.RequestTimeout)
		defer cancelRun()

		value, err := invokeHandler(runCtx, qr.handler)
		qr.resolve(result{value: value, err: err})
		return nil
	})
	if err != nil {
		logger.Warn("Failed to acquire pool slot",
			zap.String("request_id", qr.requestID),
			zap.Error(err))
		qr.resolve(result{err: err})
	}
}

// invokeHandler runs the handler and enforces the deadline carried by
// ctx. A handler panic is converted to an error so a single bad request
// cannot take down a worker.
func invokeHandler(ctx context.Context, handler Handler) (any, error) {
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := handler(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("handler execution: %w", common.ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// drainQueue rejects every request still queued after the workers have
// stopped, so their callers fail fast instead of waiting out their
// timeouts.
func (m *Manager) drainQueue() int {
	drained := 0
	for {
		select {
		case qr := <-m.queue:
			qr.resolve(result{err: common.ErrShutdown})
			m.registry.Fail(qr.requestID, "shutdown")
			drained++
		default:
			return drained
		}
	}
}

// failureMessage maps an error to the short diagnostic string recorded
// in the metrics row.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, common.ErrTimeout):
		return "timeout"
	case errors.Is(err, common.ErrShutdown):
		return "shutdown"
	case errors.Is(err, common.ErrQueueFull):
		return "queue_full"
	default:
		return err.Error()
	}
}

// Stats is a point-in-time view of the manager combining the metrics
// aggregate with live queue, pool, and rate-limit readings.
type Stats struct {
	Aggregate
	QueueSize          int
	ActiveConnections  int
	RateLimitRemaining int // -1 when rate limiting is disabled
}

// GetMetrics aggregates requests that started within the trailing window.
func (m *Manager) GetMetrics(window time.Duration) Stats {
	stats := Stats{
		Aggregate:          m.registry.Snapshot(window),
		QueueSize:          len(m.queue),
		ActiveConnections:  m.pool.Active(),
		RateLimitRemaining: -1,
	}
	if m.limiter != nil {
		stats.RateLimitRemaining = m.limiter.Remaining(defaultClientID)
	}
	return stats
}

// CleanupOldMetrics purges request records older than the cutoff and
// returns the number removed.
func (m *Manager) CleanupOldMetrics(olderThan time.Duration) int {
	removed := m.registry.Cleanup(olderThan)
	m.logger.Info("Cleaned up old metrics", zap.Int("removed", removed))
	return removed
}

// PoolStatus returns the resource pool occupancy.
func (m *Manager) PoolStatus() PoolStatus {
	return m.pool.Status()
}
