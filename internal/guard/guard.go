// Package guard executes keyed work on a fixed worker pool and guarantees
// at most one queued-or-running instance per key.
package guard

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"plughost/internal/eventbus"
	rtsup "plughost/internal/runtime/supervisor"
	logx "plughost/pkg/logx"
)

const (
	DefaultWorkers      = 10
	DefaultQueueSize    = 256
	DefaultDrainTimeout = 30 * time.Second
	DefaultForceGrace   = 2 * time.Second
)

type Config struct {
	Workers   int
	QueueSize int

	// DrainTimeout bounds the graceful phase of Shutdown. Zero means
	// DefaultDrainTimeout; there is no way to skip the graceful phase.
	DrainTimeout time.Duration
	// ForceGrace bounds the wait after the run context is cancelled.
	ForceGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = DefaultForceGrace
	}
	return c
}

// Work is one unit of submitted work.
type Work func(ctx context.Context) error

// handle is the in-flight token for a key.
type handle struct {
	key      string
	queuedAt time.Time
	started  atomic.Int64 // unix nano; 0 while queued
}

type job struct {
	h    *handle
	work Work
}

// Guard is safe for concurrent use. The zero value is not usable; call New.
type Guard struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	handles  map[string]*handle
	q        chan job
	started  bool
	stopping bool

	runCtx    context.Context
	runCancel context.CancelFunc
	sup       *rtsup.Supervisor

	shutdownOnce sync.Once
	done         chan struct{}

	active  atomic.Int64
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "guard")),
		bus:     bus,
		handles: map[string]*handle{},
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool. Runs inherit ctx values but not its
// cancellation; only Shutdown interrupts them. Start is idempotent.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopping {
		return
	}
	g.started = true
	g.q = make(chan job, g.cfg.QueueSize)
	g.runCtx, g.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	g.sup = rtsup.New(context.Background(), rtsup.WithLogger(g.log))

	queue := g.q
	for i := 0; i < g.cfg.Workers; i++ {
		// Workers return nil once the queue is closed and drained.
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(context.Context) error {
			g.worker(queue)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	g.log.Info("guard started", logx.Int("workers", g.cfg.Workers), logx.Int("queue", g.cfg.QueueSize))
}

// Submit enqueues work under key unless the key already has a handle.
// It never blocks on a full queue.
func (g *Guard) Submit(key string, work Work) error {
	if work == nil {
		return errors.New("guard: nil work")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started || g.stopping {
		return ErrStopped
	}
	if _, ok := g.handles[key]; ok {
		g.publish(eventbus.RunSkipped, key, "already_running")
		return ErrAlreadyRunning
	}
	h := &handle{key: key, queuedAt: time.Now()}
	select {
	case g.q <- job{h: h, work: work}:
		g.handles[key] = h
		return nil
	default:
		g.dropped.Add(1)
		g.publish(eventbus.RunSkipped, key, "queue_full")
		return ErrQueueFull
	}
}

// Running reports whether key is queued or running.
func (g *Guard) Running(key string) bool {
	g.mu.Lock()
	_, ok := g.handles[key]
	g.mu.Unlock()
	return ok
}

// InFlight counts keys holding a handle (queued or running).
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// Done is closed when Shutdown has completed.
func (g *Guard) Done() <-chan struct{} { return g.done }

// Shutdown stops intake, drains queued and running work for DrainTimeout,
// then cancels the run context, drops what never started, and waits at
// most ForceGrace. Concurrent and repeated calls block until it completes.
func (g *Guard) Shutdown() {
	g.shutdownOnce.Do(func() {
		defer close(g.done)

		g.mu.Lock()
		g.stopping = true
		started := g.started
		if started {
			close(g.q)
		}
		pending := len(g.handles)
		g.mu.Unlock()
		if !started {
			return
		}

		if pending > 0 {
			g.log.Info("waiting for the plugins to finish", logx.Int("pending", pending), logx.Duration("drain_timeout", g.cfg.DrainTimeout))
		}
		if g.wait(g.cfg.DrainTimeout) {
			g.runCancel()
			g.log.Info("guard stopped")
			return
		}

		g.log.Warn("drain timed out; interrupting runs", logx.Int("in_flight", g.InFlight()))
		g.runCancel()
		if !g.wait(g.cfg.ForceGrace) {
			g.log.Error("runs still active after force grace", logx.Int64("active", g.active.Load()))
			return
		}
		g.log.Info("guard stopped")
	})
	<-g.done
}

func (g *Guard) wait(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = g.sup.Wait(ctx)
	select {
	case <-g.sup.Done():
		return true
	default:
		return false
	}
}

func (g *Guard) worker(queue <-chan job) {
	for j := range queue {
		if g.runCtx.Err() != nil {
			g.release(j.h)
			g.dropped.Add(1)
			g.log.Debug("queued run dropped", logx.String("plugin", j.h.key))
			continue
		}
		g.exec(j)
	}
}

func (g *Guard) exec(j job) {
	g.active.Add(1)
	j.h.started.Store(time.Now().UnixNano())
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("guard.panic", logx.String("plugin", j.h.key), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
		g.active.Add(-1)
		g.release(j.h)
	}()
	_ = j.work(g.runCtx)
}

func (g *Guard) release(h *handle) {
	g.mu.Lock()
	if g.handles[h.key] == h {
		delete(g.handles, h.key)
	}
	g.mu.Unlock()
}

func (g *Guard) publish(typ, key, reason string) {
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.RunEvent{Plugin: key, Outcome: reason}})
	}
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Workers  int    `json:"workers"`
	Queued   int    `json:"queued"`
	Active   int64  `json:"active"`
	InFlight int    `json:"in_flight"`
	Dropped  uint64 `json:"dropped"`
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	st := Stats{Workers: g.cfg.Workers, InFlight: len(g.handles)}
	if g.q != nil {
		st.Queued = len(g.q)
	}
	g.mu.Unlock()
	st.Active = g.active.Load()
	st.Dropped = g.dropped.Load()
	return st
}
