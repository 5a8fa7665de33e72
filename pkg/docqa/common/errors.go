package common

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrQueueFull          = errors.New("request queue is full")
	ErrTimeout            = errors.New("request timed out")
	ErrShutdown           = errors.New("manager is shutting down")
	ErrAlreadyRunning     = errors.New("manager is already running")
	ErrNotRunning         = errors.New("manager is not running")
	ErrBackendUnavailable = errors.New("inference backend unavailable")
)
