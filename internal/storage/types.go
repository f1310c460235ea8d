package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention drops run records older than this on open. 0 keeps everything.
	Retention time.Duration
}

// RunRecord is one finished (or not-found) plugin run.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	Plugin   string        `json:"plugin"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}
