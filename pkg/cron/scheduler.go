package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec renders schedule in the robfig/cron spec syntax.
func Spec(schedule Schedule) (string, error) {
	switch schedule.Kind {
	case ScheduleKindEvery:
		return everySpec(schedule)
	case ScheduleKindCron:
		return cronSpec(schedule)
	default:
		return "", fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
}

func everySpec(schedule Schedule) (string, error) {
	if schedule.Every < time.Second {
		return "", fmt.Errorf("'every' schedule requires an interval of at least 1s")
	}
	return "@every " + schedule.Every.String(), nil
}

func cronSpec(schedule Schedule) (string, error) {
	if schedule.Expr == "" {
		return "", fmt.Errorf("'cron' schedule requires 'expr' field")
	}
	spec := schedule.Expr
	if schedule.TZ != "" {
		if _, err := time.LoadLocation(schedule.TZ); err != nil {
			return "", fmt.Errorf("invalid timezone: %w", err)
		}
		spec = "CRON_TZ=" + schedule.TZ + " " + spec
	}
	return spec, nil
}

// CalculateNextRun returns the first activation of schedule after now.
func CalculateNextRun(schedule Schedule, now time.Time) (time.Time, error) {
	spec, err := Spec(schedule)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(now), nil
}

// ParseSchedule reads "@every <duration>" or a five-field cron expression
// evaluated in tz.
func ParseSchedule(text, tz string) (Schedule, error) {
	text = strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(text, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid interval: %w", err)
		}
		schedule := Every(d)
		if _, err := Spec(schedule); err != nil {
			return Schedule{}, err
		}
		return schedule, nil
	}

	schedule := Schedule{Kind: ScheduleKindCron, Expr: text, TZ: tz}
	if _, err := CalculateNextRun(schedule, time.Now()); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}
