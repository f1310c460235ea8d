package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plughost/internal/guard"
	"plughost/internal/registry"
	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg   *registry.Registry
	guard *guard.Guard
	sched *Scheduler
	done  chan int
}

func start(t *testing.T, units []unit.Unit, gcfg guard.Config, cfg Config, clock *fakeClock) *harness {
	t.Helper()
	m := map[string]unit.Unit{}
	for _, u := range units {
		m[u.Name()] = u
	}
	reg := registry.New(m)
	g := guard.New(gcfg, logx.Nop(), nil)
	g.Start(context.Background())
	if cfg.Cycle == 0 {
		cfg.Cycle = 5 * time.Millisecond
	}
	s := New(cfg, reg, g, logx.Nop(), nil)
	if clock != nil {
		s.now = clock.Now
	}
	h := &harness{reg: reg, guard: g, sched: s, done: make(chan int, 1)}
	go func() { h.done <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Stop(ExitTerminate)
		<-g.Done()
	})
	return h
}

func (h *harness) wait(t *testing.T, within time.Duration) int {
	t.Helper()
	select {
	case code := <-h.done:
		return code
	case <-time.After(within):
		t.Fatal("scheduler did not return")
		return -1
	}
}

func counter(id string, repeat bool, every int, hits *atomic.Int32) *unit.Func {
	return &unit.Func{ID: id, Repeat: repeat, Interval: every, Fn: func(context.Context) error {
		hits.Add(1)
		return nil
	}}
}

func TestPingDispatchesImmediatelyThenAfterTimeout(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var hits atomic.Int32
	h := start(t, []unit.Unit{counter("demo.Ping", true, 2, &hits)}, guard.Config{Workers: 2}, Config{}, clock)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)

	clock.Advance(1900 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, hits.Load(), "no second dispatch before +2s")

	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return hits.Load() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, Running, h.sched.State())

	entries := h.sched.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "demo.Ping", entries[0].Plugin)
}

func TestOneShotRunsOnceAndRetires(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	h := start(t, []unit.Unit{counter("demo.Once", false, 0, &hits)}, guard.Config{Workers: 2}, Config{}, nil)

	require.Equal(t, ExitDone, h.wait(t, 2*time.Second))
	require.EqualValues(t, 1, hits.Load(), "one-shot still runs after retirement")
	require.Zero(t, h.reg.Len())
	_, ok := h.reg.Get("demo.Once")
	require.False(t, ok)
	require.Equal(t, Stopped, h.sched.State())
}

func TestOutstandingRunIsSkippedWithoutRearming(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: t0}
	release := make(chan struct{})
	var hits, active, maxActive atomic.Int32
	slow := &unit.Func{ID: "demo.Slow", Repeat: true, Interval: 1, Fn: func(context.Context) error {
		hits.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return nil
	}}
	h := start(t, []unit.Unit{slow}, guard.Config{Workers: 4}, Config{Cycle: 2 * time.Millisecond}, clock)

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)

	require.EqualValues(t, 1, hits.Load())
	require.EqualValues(t, 1, maxActive.Load())
	require.Equal(t, Running, h.sched.State())
	entries := h.sched.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, t0.Add(time.Second), entries[0].Next, "entry not advanced while the run is outstanding")
	_, live := h.reg.Get("demo.Slow")
	require.True(t, live)

	close(release)
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		e := h.sched.Entries()
		return len(e) == 1 && e[0].Next.Equal(t0.Add(6*time.Second))
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 1, maxActive.Load())
}

func TestFatalRemovesPlugin(t *testing.T) {
	t.Parallel()
	var fatalHits, okHits atomic.Int32
	bad := &unit.Func{ID: "demo.Bad", Repeat: true, Fn: func(context.Context) error {
		fatalHits.Add(1)
		return unit.Fatal(errors.New("broken"))
	}}
	h := start(t, []unit.Unit{bad, counter("demo.Good", true, 0, &okHits)}, guard.Config{Workers: 2}, Config{}, nil)

	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("demo.Bad")
		return !ok
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return okHits.Load() >= 5 }, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 1, fatalHits.Load(), "fatal plugin is never dispatched again")

	h.sched.Stop(ExitTerminate)
	require.Equal(t, ExitTerminate, h.wait(t, 2*time.Second))
}

func TestSignalDrainsThenExits(t *testing.T) {
	t.Parallel()
	for _, code := range []int{ExitInterrupt, ExitTerminate} {
		var started, interrupted atomic.Int32
		blocker := func(id string) unit.Unit {
			return &unit.Func{ID: id, Repeat: true, Interval: 60, Fn: func(ctx context.Context) error {
				started.Add(1)
				<-ctx.Done()
				interrupted.Add(1)
				return ctx.Err()
			}}
		}
		gcfg := guard.Config{Workers: 2, DrainTimeout: 50 * time.Millisecond, ForceGrace: time.Second}
		h := start(t, []unit.Unit{blocker("demo.A"), blocker("demo.B")}, gcfg, Config{}, nil)

		require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)
		begin := time.Now()
		h.sched.Stop(code)
		require.Equal(t, code, h.wait(t, 2*time.Second))
		require.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond, "drain timeout is honoured")
		require.EqualValues(t, 2, interrupted.Load())
		require.Equal(t, Stopped, h.sched.State())
	}
}

func TestStopFirstCodeWins(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	h := start(t, []unit.Unit{counter("demo.Ping", true, 60, &hits)}, guard.Config{}, Config{}, nil)
	h.sched.Stop(ExitInterrupt)
	h.sched.Stop(ExitTerminate)
	require.Equal(t, ExitInterrupt, h.wait(t, 2*time.Second))
}

func TestContextCancelMapsToInterrupt(t *testing.T) {
	t.Parallel()
	reg := registry.New(map[string]unit.Unit{"demo.Ping": &unit.Func{ID: "demo.Ping", Repeat: true, Interval: 60}})
	g := guard.New(guard.Config{}, logx.Nop(), nil)
	g.Start(context.Background())
	s := New(Config{Cycle: time.Hour}, reg, g, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		require.Equal(t, ExitInterrupt, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestEmptyRegistryExitsZero(t *testing.T) {
	t.Parallel()
	h := start(t, nil, guard.Config{}, Config{}, nil)
	require.Equal(t, ExitDone, h.wait(t, time.Second))
}

func TestOncePassThenDrain(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	h := start(t, []unit.Unit{counter("demo.Ping", true, 0, &hits)}, guard.Config{}, Config{Once: true}, nil)
	require.Equal(t, ExitDone, h.wait(t, 2*time.Second))
	require.EqualValues(t, 1, hits.Load())
}
