package cron

import (
	"context"
	"time"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "every" schedule
	Every time.Duration `json:"every,omitempty"`

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty"`   // Optional timezone
}

// Every is shorthand for an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleKindEvery, Every: d}
}

// JobFunc is the work a job runs.
type JobFunc func(ctx context.Context) error

// JobState tracks runtime state of a job
type JobState struct {
	Name              string        `json:"name"`
	Schedule          Schedule      `json:"schedule"`
	NextRunAt         time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt         time.Time     `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`
}
