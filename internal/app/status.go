package app

import (
	"context"
	"fmt"
	"time"

	"plughost/internal/guard"
	"plughost/internal/registry"
	rtsup "plughost/internal/runtime/supervisor"
	"plughost/internal/scheduler"
	logx "plughost/pkg/logx"
)

const statusInterval = 5 * time.Minute

// statusSummary is a point-in-time view of the running host.
type statusSummary struct {
	Plugins  []registry.Status
	Schedule []scheduler.Entry
	Guard    guard.Stats
	Running  int
	Loops    []rtsup.Stats
	Notices  int
	Failed   int
}

func (a *App) summary() statusSummary {
	var s statusSummary
	if a.reg != nil {
		s.Plugins = a.reg.Status()
	}
	if a.sched != nil {
		s.Schedule = a.sched.Entries()
	}
	if a.guard != nil {
		s.Guard = a.guard.Stats()
		for _, e := range s.Schedule {
			if a.guard.Running(e.Plugin) {
				s.Running++
			}
		}
	}
	if a.sup != nil {
		s.Loops = a.sup.Stats()
	}
	for _, h := range a.notif.History() {
		s.Notices++
		if h.Error != "" {
			s.Failed++
		}
	}
	return s
}

func (s statusSummary) live() int {
	n := 0
	for _, p := range s.Plugins {
		if p.Live {
			n++
		}
	}
	return n
}

// line is the short form used for the systemd STATUS field.
func (s statusSummary) line() string {
	out := fmt.Sprintf("%d plugins live, %d running", s.live(), s.Running)
	if len(s.Schedule) > 0 {
		next := s.Schedule[0]
		out += fmt.Sprintf(", next %s at %s", next.Plugin, next.Next.Format(time.TimeOnly))
	}
	return out
}

func (a *App) logStatus(msg string) {
	s := a.summary()
	var runs, failures, restarts, panics int
	for _, p := range s.Plugins {
		runs += p.Runs
		failures += p.Failures
	}
	for _, l := range s.Loops {
		restarts += l.Restarts
		panics += l.Panics
	}
	a.log.Info(msg,
		logx.Int("live", s.live()),
		logx.Int("retired", len(s.Plugins)-s.live()),
		logx.Int("scheduled", len(s.Schedule)),
		logx.Int("running", s.Running),
		logx.Int("runs", runs),
		logx.Int("failures", failures),
		logx.Int("queued", s.Guard.Queued),
		logx.Int64("active", s.Guard.Active),
		logx.Int64("dropped", int64(s.Guard.Dropped)),
		logx.Int("loop_restarts", restarts),
		logx.Int("loop_panics", panics),
		logx.Int("notices", s.Notices),
		logx.Int("notices_failed", s.Failed),
	)
	for _, p := range s.Plugins {
		if p.LastError != "" {
			a.log.Debug("plugin status", logx.String("plugin", p.Name), logx.Bool("live", p.Live), logx.Int("runs", p.Runs), logx.Int("failures", p.Failures), logx.String("last_error", p.LastError))
		}
	}
}

// statusLoop logs the summary and refreshes the systemd status line.
func (a *App) statusLoop(ctx context.Context) error {
	t := time.NewTicker(statusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.logStatus("status")
			a.sd.Status(a.summary().line())
		}
	}
}
