package app

import (
	"path/filepath"
	"strings"
	"time"

	"plughost/internal/config"
	"plughost/internal/guard"
	"plughost/internal/loader"
	"plughost/internal/notifier"
	"plughost/internal/scheduler"
	"plughost/internal/storage"
	logx "plughost/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Notify: logx.NotifyConfig{
			Enabled:    lc.Notify.Enabled,
			MinLevel:   lc.Notify.MinLevel,
			RatePerSec: lc.Notify.RatePerSec,
		},
	}
}

func mapPluginsDir(cfg *config.Config) string {
	return filepath.Clean(strings.TrimSpace(cfg.Plugins.Dir))
}

func mapLoaderConfig(cfg *config.Config) loader.Config {
	work := strings.TrimSpace(cfg.Plugins.WorkDir)
	if work == "" {
		work = filepath.Join(mapPluginsDir(cfg), ".work")
	}
	return loader.Config{WorkDir: work}
}

func mapGuardConfig(cfg *config.Config) (guard.Config, error) {
	gc := cfg.Guard
	grace, err := config.ParseDurationOrDefault("guard.force_grace", gc.ForceGrace, guard.DefaultForceGrace)
	if err != nil {
		return guard.Config{}, err
	}
	return guard.Config{
		Workers:      gc.Workers,
		QueueSize:    gc.QueueSize,
		DrainTimeout: time.Duration(gc.DrainTimeout) * time.Second,
		ForceGrace:   grace,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, once bool) scheduler.Config {
	return scheduler.Config{
		Cycle: time.Duration(cfg.Scheduler.Cycle) * time.Second,
		Once:  once,
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	window, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      nc.Enabled,
		QueueSize:    nc.QueueSize,
		RatePerSec:   nc.RatePerSec,
		DedupWindow:  window,
		PersistDedup: nc.PersistDedup,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, bool) {
	tg := cfg.Notifier.Telegram
	return notifier.TelegramConfig{
		Token:    strings.TrimSpace(tg.Token),
		ChatID:   tg.ChatID,
		ThreadID: tg.ThreadID,
	}, tg.Enabled
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	jc := cfg.Journal
	busy, err := config.ParseDurationField("journal.busy_timeout", jc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationField("journal.retention", jc.Retention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(jc.Driver)),
		Path:        strings.TrimSpace(jc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}
