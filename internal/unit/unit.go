// Package unit defines the plugin capability contract and its failure taxonomy.
package unit

import (
	"context"
	"time"
)

// Unit is one loaded plugin instance.
type Unit interface {
	// Name is the unique fully-qualified identity, stable for the unit's lifetime.
	Name() string
	// Run performs one unit of work.
	Run(ctx context.Context) error
	// Repeatable is fixed at load time.
	Repeatable() bool
	// Timeout is the re-arm delay in seconds; meaningful only if Repeatable.
	Timeout() int
}

// Planner is implemented by units with a calendar schedule.
// The scheduler re-arms such units to Next(now) instead of now+Timeout().
type Planner interface {
	Next(after time.Time) time.Time
}

// Deadliner is implemented by units that bound each run.
type Deadliner interface {
	RunTimeout() time.Duration
}

// Closer is implemented by units holding resources (interpreter state, work dirs).
type Closer interface {
	Close() error
}

// NextRun returns when u becomes due again after a dispatch at now.
func NextRun(u Unit, now time.Time) time.Time {
	if p, ok := u.(Planner); ok {
		if next := p.Next(now); !next.IsZero() {
			return next
		}
	}
	secs := u.Timeout()
	if secs < 0 {
		secs = 0
	}
	return now.Add(time.Duration(secs) * time.Second)
}
