package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	r.Begin("req-1")

	m, ok := r.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, m.Status)
	assert.False(t, m.StartTime.IsZero())

	r.MarkProcessing("req-1")
	m, _ = r.Get("req-1")
	assert.Equal(t, StatusProcessing, m.Status)

	r.Complete("req-1")
	m, _ = r.Get("req-1")
	assert.Equal(t, StatusCompleted, m.Status)
	assert.False(t, m.EndTime.IsZero())
	assert.GreaterOrEqual(t, m.ProcessingTime, time.Duration(0))
}

func TestRegistryTerminalStateIsImmutable(t *testing.T) {
	r := NewRegistry()

	r.Begin("req-1")
	r.Fail("req-1", "timeout")

	// Later transitions must not overwrite the terminal state
	r.Complete("req-1")
	r.MarkProcessing("req-1")

	m, ok := r.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, "timeout", m.ErrorMessage)
}

func TestRegistryQueueTime(t *testing.T) {
	r := NewRegistry()

	r.Begin("req-1")
	r.RecordQueueTime("req-1", 250*time.Millisecond)

	m, ok := r.Get("req-1")
	require.True(t, ok)
	assert.True(t, m.HasQueueTime)
	assert.Equal(t, 250*time.Millisecond, m.QueueTime)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()

	r.Begin("done-1")
	r.Complete("done-1")
	r.Begin("done-2")
	r.Complete("done-2")
	r.Begin("bad-1")
	r.Fail("bad-1", "timeout")
	r.Begin("waiting")

	agg := r.Snapshot(time.Hour)
	assert.Equal(t, 4, agg.TotalRequests)
	assert.Equal(t, 2, agg.CompletedRequests)
	assert.Equal(t, 1, agg.FailedRequests)
	assert.Equal(t, 1, agg.PendingRequests)
	assert.Equal(t, 0, agg.ProcessingRequests)
	assert.InDelta(t, 0.5, agg.SuccessRate, 0.001)
}

func TestRegistrySnapshotAveragesQueueTimeOverRecordedOnly(t *testing.T) {
	r := NewRegistry()

	r.Begin("queued-1")
	r.RecordQueueTime("queued-1", 100*time.Millisecond)
	r.Complete("queued-1")

	r.Begin("queued-2")
	r.RecordQueueTime("queued-2", 300*time.Millisecond)
	r.Complete("queued-2")

	// No queue time recorded for this one
	r.Begin("direct-1")
	r.Complete("direct-1")

	agg := r.Snapshot(time.Hour)
	assert.Equal(t, 200*time.Millisecond, agg.AverageQueueTime)
}

func TestRegistrySnapshotEmpty(t *testing.T) {
	r := NewRegistry()

	agg := r.Snapshot(time.Hour)
	assert.Equal(t, 0, agg.TotalRequests)
	assert.Equal(t, 0.0, agg.SuccessRate)
	assert.Equal(t, time.Duration(0), agg.AverageProcessingTime)
}

func TestRegistryCleanup(t *testing.T) {
	r := NewRegistry()

	r.Begin("old-1")
	r.Complete("old-1")
	r.Begin("old-2")
	r.Fail("old-2", "boom")

	time.Sleep(20 * time.Millisecond)

	r.Begin("fresh")

	removed := r.Cleanup(10 * time.Millisecond)
	assert.Equal(t, 2, removed)

	_, ok := r.Get("old-1")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()

	r.Begin("req-1")

	m, ok := r.Get("req-1")
	require.True(t, ok)

	// Mutating the copy must not affect the registry's row
	m.Status = StatusFailed

	again, _ := r.Get("req-1")
	assert.Equal(t, StatusPending, again.Status)
}
