package concurrency

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a tracked request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// RequestMetrics is the lifecycle record of a single request. Rows are
// owned by the Registry; accessors return copies.
type RequestMetrics struct {
	RequestID      string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	QueueTime      time.Duration
	HasQueueTime   bool
	Status         Status
	ErrorMessage   string
}

func (m *RequestMetrics) finished() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed
}

// Aggregate summarizes the requests that started within a trailing window.
type Aggregate struct {
	TotalRequests         int
	CompletedRequests     int
	FailedRequests        int
	PendingRequests       int
	ProcessingRequests    int
	AverageProcessingTime time.Duration
	AverageQueueTime      time.Duration
	SuccessRate           float64
}

// Registry tracks per-request lifecycle records.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*RequestMetrics
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		requests: make(map[string]*RequestMetrics),
	}
}

// Begin records a new pending request.
func (r *Registry) Begin(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[requestID] = &RequestMetrics{
		RequestID: requestID,
		StartTime: time.Now(),
		Status:    StatusPending,
	}
}

// MarkProcessing transitions a request to processing.
func (r *Registry) MarkProcessing(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.requests[requestID]; ok && !m.finished() {
		m.Status = StatusProcessing
	}
}

// RecordQueueTime records how long a request waited in the queue.
func (r *Registry) RecordQueueTime(requestID string, queueTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.requests[requestID]; ok {
		m.QueueTime = queueTime
		m.HasQueueTime = true
	}
}

// Complete marks a request as completed. A row that already reached a
// terminal state is left unchanged.
func (r *Registry) Complete(requestID string) {
	r.finish(requestID, StatusCompleted, "")
}

// Fail marks a request as failed with a best-effort error string.
func (r *Registry) Fail(requestID string, errorMessage string) {
	r.finish(requestID, StatusFailed, errorMessage)
}

func (r *Registry) finish(requestID string, status Status, errorMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.requests[requestID]
	if !ok || m.finished() {
		return
	}

	m.Status = status
	m.ErrorMessage = errorMessage
	m.EndTime = time.Now()
	m.ProcessingTime = m.EndTime.Sub(m.StartTime)
}

// Get returns a copy of the record for the given request.
func (r *Registry) Get(requestID string) (RequestMetrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.requests[requestID]
	if !ok {
		return RequestMetrics{}, false
	}
	return *m, true
}

// Snapshot aggregates all requests that started within the trailing window.
// The processing-time average covers completed requests only; the queue-time
// average covers every request with a recorded queue time.
func (r *Registry) Snapshot(window time.Duration) Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var agg Aggregate
	var processingTotal, queueTotal time.Duration
	queueSamples := 0

	for _, m := range r.requests {
		if m.StartTime.Before(cutoff) {
			continue
		}

		agg.TotalRequests++

		switch m.Status {
		case StatusCompleted:
			agg.CompletedRequests++
			processingTotal += m.ProcessingTime
		case StatusFailed:
			agg.FailedRequests++
		case StatusPending:
			agg.PendingRequests++
		case StatusProcessing:
			agg.ProcessingRequests++
		}

		if m.HasQueueTime {
			queueTotal += m.QueueTime
			queueSamples++
		}
	}

	if agg.CompletedRequests > 0 {
		agg.AverageProcessingTime = processingTotal / time.Duration(agg.CompletedRequests)
	}
	if queueSamples > 0 {
		agg.AverageQueueTime = queueTotal / time.Duration(queueSamples)
	}
	if agg.TotalRequests > 0 {
		agg.SuccessRate = float64(agg.CompletedRequests) / float64(agg.TotalRequests)
	}

	return agg
}

// Cleanup removes records older than the cutoff and returns the count removed.
func (r *Registry) Cleanup(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for id, m := range r.requests {
		if m.StartTime.Before(cutoff) {
			delete(r.requests, id)
			removed++
		}
	}

	return removed
}
