package config

import (
	"strings"

	logx "plughost/pkg/logx"
)

// Change summarizes a reload. Live sections are applied in place;
// RestartOnly sections take effect on the next start.
type Change struct {
	Live        []string
	RestartOnly []string
	Attrs       []logx.Field
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.RestartOnly) == 0 }

// Diff compares two configs section by section. Secrets are never put in Attrs.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Live = append(ch.Live, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.notify", newCfg.Logging.Notify.Enabled),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		ch.Live = append(ch.Live, "notifier")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Bool("notifier.telegram", newCfg.Notifier.Telegram.Enabled),
			logx.Bool("notifier.token_changed", strings.TrimSpace(oldCfg.Notifier.Telegram.Token) != strings.TrimSpace(newCfg.Notifier.Telegram.Token)),
		)
	}
	if oldCfg.Plugins != newCfg.Plugins {
		ch.RestartOnly = append(ch.RestartOnly, "plugins")
	}
	if oldCfg.Guard != newCfg.Guard {
		ch.RestartOnly = append(ch.RestartOnly, "guard")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		ch.RestartOnly = append(ch.RestartOnly, "scheduler")
	}
	if oldCfg.Journal != newCfg.Journal {
		ch.RestartOnly = append(ch.RestartOnly, "journal")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		ch.RestartOnly = append(ch.RestartOnly, "systemd")
	}
	return ch
}
