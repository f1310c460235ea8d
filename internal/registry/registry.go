// Package registry owns the live set of loaded plugin units.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"plughost/internal/eventbus"
	"plughost/internal/storage"
	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

var (
	ErrDuplicate = errors.New("registry: identity already registered")
	ErrRetired   = errors.New("registry: identity was removed")
)

// Notifier receives operator notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	AppendRun(ctx context.Context, rec storage.RunRecord) error
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option    { return func(r *Registry) { r.log = log } }
func WithNotifier(n Notifier) Option       { return func(r *Registry) { r.notifier = n } }
func WithRecorder(rec RunRecorder) Option  { return func(r *Registry) { r.recorder = rec } }
func WithBus(bus eventbus.Bus) Option      { return func(r *Registry) { r.bus = bus } }
func WithNotifyOnInterrupt(on bool) Option { return func(r *Registry) { r.notifyInterrupt = on } }

// Registry is a concurrency-safe identity -> unit map.
// A removed identity is tombstoned and never comes back.
type Registry struct {
	mu      sync.RWMutex
	units   map[string]unit.Unit
	retired map[string]struct{}
	stats   map[string]*Status
	all     []unit.Unit

	log             logx.Logger
	notifier        Notifier
	recorder        RunRecorder
	bus             eventbus.Bus
	notifyInterrupt bool

	seq atomic.Uint64
}

// Status is a per-plugin counter view.
type Status struct {
	Name      string    `json:"name"`
	Live      bool      `json:"live"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

func New(units map[string]unit.Unit, opts ...Option) *Registry {
	r := &Registry{
		units:   make(map[string]unit.Unit, len(units)),
		retired: map[string]struct{}{},
		stats:   map[string]*Status{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	for id, u := range units {
		if u == nil || id != u.Name() {
			r.log.Warn("registry: unit skipped", logx.String("plugin", id))
			continue
		}
		r.units[id] = u
		r.stats[id] = &Status{Name: id, Live: true}
		r.all = append(r.all, u)
	}
	return r
}

// Add registers a unit. Duplicate and retired identities are rejected.
func (r *Registry) Add(u unit.Unit) error {
	id := u.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.retired[id]; ok {
		return fmt.Errorf("%w: %s", ErrRetired, id)
	}
	if _, ok := r.units[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	r.units[id] = u
	r.stats[id] = &Status{Name: id, Live: true}
	r.all = append(r.all, u)
	return nil
}

func (r *Registry) Get(id string) (unit.Unit, bool) {
	r.mu.RLock()
	u, ok := r.units[id]
	r.mu.RUnlock()
	return u, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

// Snapshot returns a point-in-time copy, safe to iterate during removals.
func (r *Registry) Snapshot() map[string]unit.Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]unit.Unit, len(r.units))
	for id, u := range r.units {
		out[id] = u
	}
	return out
}

// Remove drops id. Idempotent; reports whether id was live.
// An in-flight run of id is not cancelled.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[id]
	delete(r.units, id)
	r.retired[id] = struct{}{}
	if st := r.stats[id]; st != nil {
		st.Live = false
	}
	if ok && r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.PluginRemoved, Data: eventbus.PluginEvent{Plugin: id}})
	}
	return ok
}

func (r *Registry) isRetired(id string) bool {
	r.mu.RLock()
	_, ok := r.retired[id]
	r.mu.RUnlock()
	return ok
}

// Status returns per-plugin counters sorted by name.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, *st)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases resources of every unit ever registered.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.all
	r.all = nil
	r.mu.Unlock()
	var errs []error
	for _, u := range all {
		if c, ok := u.(unit.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", u.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Runnable binds id to the unit registered right now and returns the work
// to submit. The returned func maps the run outcome to recovery actions:
// Fatal removes the plugin and notifies, Interrupted is logged (and notified
// when enabled), NotFound is logged only. Panics count as Fatal.
func (r *Registry) Runnable(id string) func(ctx context.Context) error {
	u, ok := r.Get(id)
	return func(ctx context.Context) error {
		runID := r.newRunID()
		start := time.Now()
		if !ok {
			err := fmt.Errorf("%w: %s", unit.ErrNotFound, id)
			r.log.Debug("run.not_found", logx.String("plugin", id))
			r.record(ctx, storage.RunRecord{ID: runID, Plugin: id, Started: start, Outcome: unit.ClassNotFound.String(), Error: err.Error()})
			return err
		}

		r.publish(eventbus.RunStarted, eventbus.RunEvent{ID: runID, Plugin: id, Started: start})
		err := r.invoke(ctx, u)
		r.settle(ctx, runID, u, start, err)
		return err
	}
}

func (r *Registry) invoke(ctx context.Context, u unit.Unit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run.panic", logx.String("plugin", u.Name()), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = unit.Fatal(fmt.Errorf("panic: %v", p))
		}
	}()
	if d, ok := u.(unit.Deadliner); ok {
		if to := d.RunTimeout(); to > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, to)
			defer cancel()
		}
	}
	return u.Run(ctx)
}

func (r *Registry) settle(ctx context.Context, runID string, u unit.Unit, start time.Time, err error) {
	id := u.Name()
	dur := time.Since(start)
	class := unit.Classify(err)
	log := r.log.With(logx.String("plugin", id), logx.String("run", runID), logx.Duration("dur", dur))

	r.mu.Lock()
	if st := r.stats[id]; st != nil {
		st.Runs++
		st.LastRun = start
		st.LastError = ""
		if err != nil {
			st.Failures++
			st.LastError = err.Error()
		}
	}
	r.mu.Unlock()

	ev := eventbus.RunEvent{ID: runID, Plugin: id, Started: start, Duration: dur, Outcome: class.String()}
	if err != nil {
		ev.Error = err.Error()
	}

	// The run context may already be cancelled; notify and record on a detached one.
	nctx := context.WithoutCancel(ctx)

	switch class {
	case unit.ClassOK:
		if dur >= 750*time.Millisecond {
			log.Info("run.finished")
		} else {
			log.Debug("run.finished")
		}
		r.publish(eventbus.RunFinished, ev)
	case unit.ClassFatal:
		log.Error("run.fatal; removing plugin", logx.Err(err))
		r.publish(eventbus.RunFailed, ev)
		r.Remove(id)
		r.notify(nctx, "Plugin "+id+" removed after fatal failure", describe(id, runID, start, dur, err))
	case unit.ClassInterrupted:
		log.Warn("run.interrupted", logx.Err(err))
		r.publish(eventbus.RunFailed, ev)
		if r.notifyInterrupt {
			r.notify(nctx, "Plugin "+id+" interrupted", describe(id, runID, start, dur, err))
		}
	default:
		log.Warn("run.failed", logx.Err(err))
		r.publish(eventbus.RunFailed, ev)
	}

	r.record(nctx, storage.RunRecord{ID: runID, Plugin: id, Started: start, Duration: dur, Outcome: ev.Outcome, Error: ev.Error})

	// Retired units (fatal or one-shot) have no further runs; release them now.
	if r.isRetired(id) {
		if c, ok := u.(unit.Closer); ok {
			_ = c.Close()
		}
	}
}

func (r *Registry) notify(ctx context.Context, subject, body string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, subject, body); err != nil {
		r.log.Warn("notify failed", logx.String("subject", subject), logx.Err(err))
	}
}

func (r *Registry) record(ctx context.Context, rec storage.RunRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.AppendRun(ctx, rec); err != nil {
		r.log.Debug("journal append failed", logx.String("plugin", rec.Plugin), logx.Err(err))
	}
}

func (r *Registry) publish(typ string, ev eventbus.RunEvent) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

func (r *Registry) newRunID() string {
	return fmt.Sprintf("run-%x-%x", time.Now().UnixNano(), r.seq.Add(1))
}

func describe(id, runID string, start time.Time, dur time.Duration, err error) string {
	return fmt.Sprintf("plugin: %s\nrun: %s\nstarted: %s\nduration: %s\nerror: %v",
		id, runID, start.Format(time.RFC3339), dur.Round(time.Millisecond), err)
}
