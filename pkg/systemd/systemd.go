// Package systemd speaks the sd_notify protocol when running under a
// Type=notify unit. Every call is a no-op without NOTIFY_SOCKET.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "plughost/pkg/logx"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	enabled bool
	log     logx.Logger
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready reports startup completion with a status line.
func (n *Notifier) Ready(status string) bool {
	return n.send(daemon.SdNotifyReady + "\nSTATUS=" + status)
}

func (n *Notifier) Stopping(status string) bool {
	return n.send(daemon.SdNotifyStopping + "\nSTATUS=" + status)
}

func (n *Notifier) Status(status string) bool {
	return n.send("STATUS=" + status)
}

// Watchdog pings at half the configured WatchdogSec until ctx is done.
// It returns immediately when the watchdog is not enabled for this process.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
