package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the host.
const (
	PluginLoaded  = "plugin.loaded"
	PluginRemoved = "plugin.removed"

	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunFailed   = "run.failed"
	RunSkipped  = "run.skipped"

	SchedulerState = "scheduler.state"

	NotifySent   = "notify.sent"
	NotifyFailed = "notify.failed"
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PluginEvent is the payload of plugin.* events.
type PluginEvent struct {
	Plugin string `json:"plugin"`
	Source string `json:"source,omitempty"`
}

// RunEvent is the payload of run.* events.
type RunEvent struct {
	ID       string        `json:"id"`
	Plugin   string        `json:"plugin"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
