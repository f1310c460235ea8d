// Package app wires the plugin host together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"plughost/internal/config"
	"plughost/internal/eventbus"
	"plughost/internal/guard"
	"plughost/internal/loader"
	"plughost/internal/notifier"
	"plughost/internal/registry"
	rtsup "plughost/internal/runtime/supervisor"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	"plughost/internal/unit"
	logx "plughost/pkg/logx"
	"plughost/pkg/systemd"
)

// ExitStartup is returned when the host cannot start.
const ExitStartup = 1

type Options struct {
	ConfigPath string
	// Once runs a single dispatch pass, then drains.
	Once bool
}

type App struct {
	opts Options
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	notif *notifier.Service
	sd    *systemd.Notifier

	loader *loader.Loader
	reg    *registry.Registry
	guard  *guard.Guard
	sched  *scheduler.Scheduler
	sup    *rtsup.Supervisor

	signals chan os.Signal
}

// New loads the config and builds the ambient services. Plugins are
// loaded by Run or Check.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", opts.ConfigPath, err)
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	if store != nil {
		log.Info("run journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		sd:      systemd.New(cfg.Systemd.Enabled, root),
		loader:  loader.New(mapLoaderConfig(cfg), root.With(logx.String("comp", "loader"))),
		signals: make(chan os.Signal, 2),
	}
	var dedup notifier.DedupStore
	if store != nil {
		dedup = store
	}
	a.notif = notifier.New(ncfg, nil, root, bus, dedup)
	a.applyTelegram(cfg)
	return a, nil
}

// applyTelegram (re)builds the Telegram transport for notifications and
// the log notify sink. Failures fall back to log-only delivery.
func (a *App) applyTelegram(cfg *config.Config) {
	tc, enabled := mapTelegramConfig(cfg)
	if !enabled {
		a.notif.SetTransport(nil)
		a.logs.SetSender(nil)
		return
	}
	tg, err := notifier.NewTelegram(tc)
	if err != nil {
		a.log.Warn("telegram transport unavailable; notifications go to the log", logx.Err(err))
		a.notif.SetTransport(nil)
		a.logs.SetSender(nil)
		return
	}
	a.notif.SetTransport(tg)
	a.logs.SetSender(tg)
}

func (a *App) pluginsDir() string { return mapPluginsDir(a.cfg) }

// scan creates the plugins directory when missing and loads it.
func (a *App) scan(ctx context.Context) (*loader.Report, error) {
	dir := a.pluginsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("plugins dir: %w", err)
	}
	return a.loader.Scan(ctx, dir)
}

// manifested is implemented by units built from a bundle manifest.
type manifested interface {
	Manifest() *loader.Manifest
}

// Check loads the plugins directory, writes a report to w and releases
// everything. It returns 0 when at least one plugin loaded.
func (a *App) Check(ctx context.Context, w io.Writer) int {
	defer a.close()
	rep, err := a.scan(ctx)
	if rep != nil {
		for _, id := range slices.Sorted(maps.Keys(rep.Units)) {
			u := rep.Units[id]
			fmt.Fprintf(w, "ok    %-32s %s repeatable=%t timeout=%ds", id, rep.Sources[id], u.Repeatable(), u.Timeout())
			if mu, ok := u.(manifested); ok {
				m := mu.Manifest()
				fmt.Fprintf(w, " runtime=%s", m.Runtime)
				if m.Schedule != "" {
					fmt.Fprintf(w, " schedule=%q", m.Schedule)
				}
			}
			fmt.Fprintln(w)
		}
		for _, le := range rep.Errors {
			fmt.Fprintf(w, "error %s\n", le.Error())
		}
		registry.New(rep.Units).Close()
	}
	if err != nil {
		fmt.Fprintf(w, "fatal %v\n", err)
		return ExitStartup
	}
	return 0
}

// History writes the last n journal records to w.
func (a *App) History(ctx context.Context, w io.Writer, plugin string, n int) int {
	defer a.close()
	if a.store == nil {
		fmt.Fprintln(w, "journal disabled")
		return ExitStartup
	}
	recs, err := a.store.RecentRuns(ctx, plugin, n)
	if err != nil {
		fmt.Fprintf(w, "journal: %v\n", err)
		return ExitStartup
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s %-32s %-11s %8s %s\n", r.Started.Format(time.RFC3339), r.Plugin, r.Outcome, r.Duration.Round(time.Millisecond), r.Error)
	}
	return 0
}

// Run loads plugins and schedules them until the schedule is exhausted or
// a signal arrives. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	defer a.close()

	rep, err := a.scan(ctx)
	if err != nil {
		if loader.IsKind(err, loader.KindNoUnits) {
			a.log.Error("startup failed: no plugins loaded", logx.String("dir", a.pluginsDir()), logx.Err(err))
		} else {
			a.log.Error("startup failed", logx.Err(err))
		}
		if rep != nil {
			registry.New(rep.Units).Close()
		}
		return ExitStartup
	}

	gcfg, err := mapGuardConfig(a.cfg)
	if err != nil {
		a.log.Error("startup failed", logx.Err(err))
		registry.New(rep.Units).Close()
		return ExitStartup
	}

	root := a.logs.Logger()
	a.reg = registry.New(nil,
		registry.WithLogger(root.With(logx.String("comp", "registry"))),
		registry.WithNotifier(a.notif),
		registry.WithRecorder(a.recorder()),
		registry.WithBus(a.bus),
		registry.WithNotifyOnInterrupt(a.cfg.Notifier.NotifyOnInterrupt),
	)
	for _, id := range slices.Sorted(maps.Keys(rep.Units)) {
		u := rep.Units[id]
		if err := a.reg.Add(u); err != nil {
			a.log.Warn("plugin not registered", logx.String("plugin", id), logx.Err(err))
			if c, ok := u.(unit.Closer); ok {
				_ = c.Close()
			}
			continue
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.PluginLoaded, Data: eventbus.PluginEvent{Plugin: id, Source: rep.Sources[id]}})
	}
	a.guard = guard.New(gcfg, root, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(a.cfg, a.opts.Once), a.reg, a.guard, root, a.bus)

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.notif.Start(a.sup.Context())
	a.guard.Start(ctx)
	a.startBackground()

	a.log.Info("plughost started", logx.Int("plugins", a.reg.Len()), logx.Int("rejected", len(rep.Errors)), logx.String("dir", a.pluginsDir()))
	a.sd.Ready(fmt.Sprintf("%d plugins loaded", a.reg.Len()))

	code := a.sched.Run(ctx)

	a.sd.Stopping("draining")
	a.logStatus("final status")
	a.log.Info("plughost exiting", logx.Int("code", code))
	return code
}

// recorder returns the journal as a RunRecorder, or nil when disabled.
func (a *App) recorder() registry.RunRecorder {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *App) startBackground() {
	signal.Notify(a.signals, os.Interrupt, syscall.SIGTERM)
	a.sup.Go("signals", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case s := <-a.signals:
				code := signalCode(s)
				if a.sched.State() != scheduler.Running {
					a.log.Warn("signal received while draining", logx.String("signal", s.String()))
					continue
				}
				a.log.Info("signal received; waiting for the plugins to finish", logx.String("signal", s.String()), logx.Int("code", code))
				a.sched.Stop(code)
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithPublishFirstError(true))
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)
	a.sup.Go("status", a.statusLoop)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				if e.Type == eventbus.PluginRemoved {
					a.sd.Status(a.summary().line())
				}
			}
		}
	})
}

func signalCode(s os.Signal) int {
	if s == syscall.SIGTERM {
		return scheduler.ExitTerminate
	}
	return scheduler.ExitInterrupt
}

// close releases everything New and Run acquired, each step bounded.
func (a *App) close() {
	if a.sup != nil {
		signal.Stop(a.signals)
	}
	step := newStepper(context.Background(), a.log)
	step.run("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step.run("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		err := a.sup.Stop(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step.run("plugins", 2*time.Second, func(context.Context) error {
		if a.reg == nil {
			return nil
		}
		return a.reg.Close()
	})
	step.run("journal", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	_ = a.logs.Close()
}
