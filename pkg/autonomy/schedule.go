package autonomy

import "time"

// ScheduleKind identifies how a Schedule computes its next fire time.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a recurring rule that emits new Tasks on calendar triggers.
//
// next_run is always >= now at the moment it's placed in the timer heap.
// Disabled schedules never fire; a schedule whose RunCount reaches MaxRuns
// is treated as disabled. EndTime, if set, is an absolute cutoff: once
// next_run would exceed it, the schedule is exhausted.
type Schedule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Kind        ScheduleKind `json:"schedule_type"`
	Enabled     bool         `json:"enabled"`

	// Action and Parameters template the tasks this schedule emits.
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// IntervalSeconds is used by ScheduleInterval.
	IntervalSeconds float64 `json:"interval,omitempty"`

	// Days holds weekday numbers (0=Monday..6=Sunday) for ScheduleWeekly,
	// or a single day-of-month for ScheduleMonthly (first element).
	Days []int `json:"days,omitempty"`

	// TimeOfDay is "HH:MM" local time, used by Daily/Weekly/Monthly.
	TimeOfDay string `json:"time_of_day,omitempty"`

	// CronExpression is a standard 5-field cron expression for ScheduleCron.
	CronExpression string `json:"cron_expression,omitempty"`

	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	RunCount int        `json:"run_count"`
	MaxRuns  *int       `json:"max_runs,omitempty"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Exhausted reports whether the schedule has used its entire run budget.
func (s *Schedule) Exhausted() bool {
	return s.MaxRuns != nil && s.RunCount >= *s.MaxRuns
}
