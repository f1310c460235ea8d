package app

import (
	"context"
	"slices"
	"strings"

	"plughost/internal/config"
	logx "plughost/pkg/logx"
)

// reloadLoop applies committed config reloads. Logging and notifier
// sections change in place; everything else waits for a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts; only the newest config matters.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyReload(last, next)
			last = next
		}
	}
}

func (a *App) applyReload(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{
		logx.String("live", strings.Join(ch.Live, ",")),
		logx.String("restart", strings.Join(ch.RestartOnly, ",")),
	}, ch.Attrs...)
	a.log.Info("config changed", fields...)

	if slices.Contains(ch.Live, "logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if slices.Contains(ch.Live, "notifier") {
		ncfg, err := mapNotifierConfig(next)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			a.applyTelegram(next)
		}
	}
	if len(ch.RestartOnly) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.RestartOnly, ",")))
	}
}
