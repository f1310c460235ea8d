package guard

import "errors"

var (
	// ErrAlreadyRunning is routine: the key is queued or running.
	ErrAlreadyRunning = errors.New("guard: already running")
	ErrStopped        = errors.New("guard: stopped")
	ErrQueueFull      = errors.New("guard: queue full")
)
