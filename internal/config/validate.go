package config

import (
	"errors"
	"fmt"
	"strings"

	logx "plughost/pkg/logx"
)

// Validate checks values that would fail later at wiring time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Plugins.Dir) == "" {
		add("plugins.dir is required")
	}
	if cfg.Guard.Workers < 0 {
		add("guard.workers must be >= 0")
	}
	if cfg.Guard.QueueSize < 0 {
		add("guard.queue_size must be >= 0")
	}
	// Zero guard values select the guard defaults.
	if cfg.Guard.DrainTimeout < 0 {
		add("guard.drain_timeout must be >= 0 seconds")
	}
	if cfg.Scheduler.Cycle < 0 {
		add("scheduler.cycle must be >= 0 seconds")
	}
	for path, raw := range map[string]string{
		"guard.force_grace":     cfg.Guard.ForceGrace,
		"notifier.dedup_window": cfg.Notifier.DedupWindow,
		"journal.busy_timeout":  cfg.Journal.BusyTimeout,
		"journal.retention":     cfg.Journal.Retention,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}
	if n := cfg.Logging.Notify; n.Enabled {
		if lvl := strings.TrimSpace(n.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
			add("logging.notify.min_level: unknown level %q", lvl)
		}
		if !cfg.Notifier.Telegram.Enabled {
			add("logging.notify requires notifier.telegram")
		}
	}

	if tg := cfg.Notifier.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add("notifier.telegram.token is required")
		}
		if tg.ChatID == 0 {
			add("notifier.telegram.chat_id is required")
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Journal.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Journal.Path) == "" {
			add("journal.path is required for driver %q", d)
		}
	default:
		add("journal.driver: unknown driver %q", cfg.Journal.Driver)
	}
	return errors.Join(errs...)
}
