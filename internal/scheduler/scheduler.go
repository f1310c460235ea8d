// Package scheduler drives periodic dispatch of registered plugins.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/guard"
	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

const DefaultCycle = 60 * time.Second

// Exit codes returned by Run.
const (
	ExitDone      = 0
	ExitInterrupt = 130 // SIGINT
	ExitTerminate = 143 // SIGTERM
)

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

type Config struct {
	Cycle time.Duration
	// Once performs a single dispatch pass, then drains.
	Once bool
}

// Registry is the subset of the plugin registry the scheduler drives.
type Registry interface {
	Snapshot() map[string]unit.Unit
	Remove(id string) bool
	Runnable(id string) func(ctx context.Context) error
}

// Dispatcher executes keyed work; *guard.Guard implements it.
type Dispatcher interface {
	Submit(key string, work guard.Work) error
	Shutdown()
}

type Scheduler struct {
	cfg   Config
	reg   Registry
	guard Dispatcher
	log   logx.Logger
	bus   eventbus.Bus

	state atomic.Int32

	stopMu   sync.Mutex
	stopped  bool
	stopCode int
	stopCh   chan struct{}

	// next is touched only by Run; mu guards readers of Entries.
	mu   sync.Mutex
	next map[string]time.Time

	now func() time.Time
}

func New(cfg Config, reg Registry, g Dispatcher, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.Cycle <= 0 {
		cfg.Cycle = DefaultCycle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		reg:    reg,
		guard:  g,
		log:    log.With(logx.String("comp", "scheduler")),
		bus:    bus,
		stopCh: make(chan struct{}),
		next:   map[string]time.Time{},
		now:    time.Now,
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Stop asks Run to drain and return code. The first code wins; later calls
// are no-ops. Safe from any goroutine, including signal handlers.
func (s *Scheduler) Stop(code int) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.stopCode = code
	close(s.stopCh)
}

func (s *Scheduler) code() (int, bool) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopCode, s.stopped
}

// Run loops until the schedule is exhausted, Stop is called or ctx is
// cancelled, then shuts the dispatcher down and returns the exit code.
func (s *Scheduler) Run(ctx context.Context) int {
	s.setState(Running)
	s.log.Info("scheduler started", logx.Duration("cycle", s.cfg.Cycle))

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if _, stopped := s.code(); stopped {
			break
		}
		if ctx.Err() != nil {
			s.Stop(ExitInterrupt)
			break
		}
		if !s.cycle() {
			s.Stop(ExitDone)
			break
		}
		if s.cfg.Once {
			s.Stop(ExitDone)
			break
		}

		timer.Reset(s.cfg.Cycle)
		select {
		case <-timer.C:
		case <-s.stopCh:
		case <-ctx.Done():
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	code, _ := s.code()
	s.setState(Draining)
	s.log.Info("scheduler draining", logx.Int("code", code))
	s.guard.Shutdown()
	s.setState(Stopped)
	s.log.Info("scheduler stopped", logx.Int("code", code))
	return code
}

// cycle runs one pass and reports whether anything is left to schedule.
func (s *Scheduler) cycle() bool {
	snap := s.reg.Snapshot()
	if len(snap) == 0 {
		s.log.Info("no plugins left")
		return false
	}
	now := s.now()

	s.mu.Lock()
	for id := range snap {
		if _, ok := s.next[id]; !ok {
			s.next[id] = now
		}
	}
	for id := range s.next {
		if _, ok := snap[id]; !ok {
			delete(s.next, id)
		}
	}
	due := make([]string, 0, len(s.next))
	for id, at := range s.next {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(due)

	for _, id := range due {
		s.dispatch(id, snap[id], now)
	}

	s.mu.Lock()
	left := len(s.next)
	s.mu.Unlock()
	if left == 0 {
		s.log.Info("schedule exhausted")
	}
	return left > 0
}

func (s *Scheduler) dispatch(id string, u unit.Unit, now time.Time) {
	err := s.guard.Submit(id, s.reg.Runnable(id))
	switch {
	case err == nil:
	case errors.Is(err, guard.ErrAlreadyRunning), errors.Is(err, guard.ErrQueueFull):
		s.log.Debug("dispatch skipped", logx.String("plugin", id), logx.Err(err))
		return
	default:
		s.log.Warn("dispatch failed", logx.String("plugin", id), logx.Err(err))
		return
	}

	if u.Repeatable() {
		next := unit.NextRun(u, now)
		s.mu.Lock()
		s.next[id] = next
		s.mu.Unlock()
		s.log.Debug("plugin dispatched", logx.String("plugin", id), logx.Time("next", next))
		return
	}

	// One-shot: retire now; the in-flight run keeps its bound unit.
	s.mu.Lock()
	delete(s.next, id)
	s.mu.Unlock()
	s.reg.Remove(id)
	s.log.Debug("one-shot plugin dispatched and retired", logx.String("plugin", id))
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerState, Data: st.String()})
	}
}

// Entry is one schedule line for status output.
type Entry struct {
	Plugin string    `json:"plugin"`
	Next   time.Time `json:"next"`
}

// Entries returns the current schedule sorted by next run.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.next))
	for id, at := range s.next {
		out = append(out, Entry{Plugin: id, Next: at})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].Plugin < out[j].Plugin
	})
	return out
}
