package concurrency

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window admission limit per client.
// Each client gets its own log of admission timestamps; entries older
// than the window never count against the limit again.
type RateLimiter struct {
	mu            sync.Mutex
	clients       map[string][]time.Time
	limit         int
	window        time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewRateLimiter creates a sliding-window rate limiter admitting at most
// limit requests per client within any trailing window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clients:       make(map[string][]time.Time),
		limit:         limit,
		window:        window,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether the client may be admitted and, if so, records
// the admission. A denied call does not mutate the window.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	live := rl.prune(clientID, now)

	if len(live) >= rl.limit {
		rl.clients[clientID] = live
		return false
	}

	rl.clients[clientID] = append(live, now)
	return true
}

// Remaining returns the client's remaining admission budget in the
// current window without consuming any of it.
func (rl *RateLimiter) Remaining(clientID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	live := rl.prune(clientID, time.Now())
	rl.clients[clientID] = live

	remaining := rl.limit - len(live)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// prune drops expired timestamps for the client. Caller must hold rl.mu.
func (rl *RateLimiter) prune(clientID string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	stamps := rl.clients[clientID]

	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes clients whose windows have fully expired so idle
// clients do not accumulate forever.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for clientID := range rl.clients {
		if len(rl.prune(clientID, now)) == 0 {
			delete(rl.clients, clientID)
		}
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.stopCleanup)
		rl.cleanupTicker.Stop()
	})
}
