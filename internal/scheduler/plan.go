package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// PlanKind describes the normalized kind of a schedule string.
type PlanKind int

const (
	PlanCron PlanKind = iota
	PlanInterval
)

// Plan is a parsed plugin schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 * * * *" (optional seconds), "@hourly", "@every 90s"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30"
//
// Optional prefixes "cron:" and "interval:"/"every:" force the kind.
type Plan struct {
	Kind   PlanKind
	Expr   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"

	sched cron.Schedule
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParsePlan parses a schedule string into a cron or interval plan.
func ParsePlan(raw string) (Plan, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Plan{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronPlan(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalPlan(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return intervalPlan(strings.TrimSpace(s[len("every:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return cronPlan(s)
	}
	p, err := intervalPlan(s)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return p, nil
}

func cronPlan(expr string) (Plan, error) {
	if expr == "" {
		return Plan{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Plan{Kind: PlanCron, Expr: expr, Source: "cron", sched: sched}, nil
}

func intervalPlan(v string) (Plan, error) {
	if v == "" {
		return Plan{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Plan{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		src = "hhmm"
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return Plan{}, fmt.Errorf("interval must be > 0")
	}
	return Plan{Kind: PlanInterval, Every: d, Source: src}, nil
}

// Next returns the first activation strictly after t.
func (p Plan) Next(after time.Time) time.Time {
	switch p.Kind {
	case PlanCron:
		if p.sched == nil {
			return time.Time{}
		}
		return p.sched.Next(after)
	default:
		if p.Every <= 0 {
			return time.Time{}
		}
		return after.Add(p.Every)
	}
}
