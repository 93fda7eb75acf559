package calendar

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

func TestNextRunOnceBeforeStart(t *testing.T) {
	start := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	s := &autonomy.Schedule{Kind: autonomy.ScheduleOnce, Enabled: true, StartTime: &start}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, now)
	if !ok || !next.Equal(start) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, start)
	}
}

func TestNextRunOnceAfterRunIsExhausted(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &autonomy.Schedule{Kind: autonomy.ScheduleOnce, Enabled: true, StartTime: &start, RunCount: 1}

	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	_, ok := NextRun(s, now)
	if ok {
		t.Errorf("NextRun after run_count=1: want ok=false")
	}
}

func TestNextRunIntervalFirstRunIsNow(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 60}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	next, ok := NextRun(s, now)
	if !ok || !next.Equal(now) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, now)
	}
}

func TestNextRunIntervalSubsequent(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 60, LastRun: &last}

	now := last.Add(10 * time.Second)
	next, ok := NextRun(s, now)
	want := last.Add(60 * time.Second)
	if !ok || !next.Equal(want) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, want)
	}
}

func TestNextRunDailyRollsToTomorrow(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleDaily, Enabled: true, TimeOfDay: "09:00"}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) // after 9am
	next, ok := NextRun(s, now)
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, want)
	}
}

func TestNextRunDailyLaterToday(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleDaily, Enabled: true, TimeOfDay: "09:00"}
	now := time.Date(2026, 1, 1, 5, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, now)
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, want)
	}
}

func TestNextRunWeeklyPicksEarliestListedDay(t *testing.T) {
	// 2026-01-01 is a Thursday (ISO weekday 3). Schedule fires Mon(0) and Fri(4).
	s := &autonomy.Schedule{
		Kind:      autonomy.ScheduleWeekly,
		Enabled:   true,
		TimeOfDay: "09:00",
		Days:      []int{0, 4},
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) // Thursday, after 9am
	next, ok := NextRun(s, now)
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC) // Friday
	if !ok || !next.Equal(want) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, want)
	}
}

func TestNextRunMonthlyClampsShortMonth(t *testing.T) {
	s := &autonomy.Schedule{
		Kind:      autonomy.ScheduleMonthly,
		Enabled:   true,
		TimeOfDay: "09:00",
		Days:      []int{31},
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) // February, no 31st
	next, ok := NextRun(s, now)
	if !ok {
		t.Fatalf("NextRun: want ok=true")
	}
	if next.Month() != time.February || next.Day() != 28 {
		t.Errorf("NextRun = %v, want Feb 28 (2026 is not a leap year)", next)
	}
}

func TestNextRunDisabledSchedule(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleDaily, Enabled: false, TimeOfDay: "09:00"}
	_, ok := NextRun(s, time.Now())
	if ok {
		t.Errorf("NextRun on disabled schedule: want ok=false")
	}
}

func TestNextRunMaxRunsExhausted(t *testing.T) {
	maxRuns := 3
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 1, RunCount: 3, MaxRuns: &maxRuns}
	_, ok := NextRun(s, time.Now())
	if ok {
		t.Errorf("NextRun past MaxRuns: want ok=false")
	}
}

func TestNextRunPastEndTime(t *testing.T) {
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 1, EndTime: &end}
	_, ok := NextRun(s, end.Add(time.Hour))
	if ok {
		t.Errorf("NextRun past EndTime: want ok=false")
	}
}

func TestNextRunCronExpression(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleCron, Enabled: true, CronExpression: "0 9 * * *"}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok := NextRun(s, now)
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Errorf("NextRun = %v, %v, want %v, true", next, ok, want)
	}
}

func TestNextRunMalformedCronYieldsNoNextRun(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleCron, Enabled: true, CronExpression: "not a cron expression"}
	_, ok := NextRun(s, time.Now())
	if ok {
		t.Errorf("NextRun on malformed cron: want ok=false")
	}
}

func TestComputeNextRunReportsMalformedTimeOfDay(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleDaily, Enabled: true, TimeOfDay: "not-a-time"}

	var reported error
	_, ok := computeNextRun(s, time.Now(), func(err error) { reported = err })
	if ok {
		t.Errorf("computeNextRun: want ok=false for malformed time_of_day")
	}
	if reported == nil || !errors.Is(reported, autonomy.ErrScheduleComputation) {
		t.Errorf("reported error = %v, want wrapped ErrScheduleComputation", reported)
	}
}

func TestComputeNextRunReportsMalformedCron(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleCron, Enabled: true, CronExpression: "not a cron expression"}

	var reported error
	_, ok := computeNextRun(s, time.Now(), func(err error) { reported = err })
	if ok {
		t.Errorf("computeNextRun: want ok=false for malformed cron")
	}
	if reported == nil || !errors.Is(reported, autonomy.ErrScheduleComputation) {
		t.Errorf("reported error = %v, want wrapped ErrScheduleComputation", reported)
	}
}

func TestComputeNextRunDoesNotReportOnLegitimateExhaustion(t *testing.T) {
	s := &autonomy.Schedule{Kind: autonomy.ScheduleDaily, Enabled: false, TimeOfDay: "09:00"}

	reportedCount := 0
	_, ok := computeNextRun(s, time.Now(), func(err error) { reportedCount++ })
	if ok {
		t.Errorf("computeNextRun: want ok=false for disabled schedule")
	}
	if reportedCount != 0 {
		t.Errorf("onError called %d times for a disabled schedule, want 0", reportedCount)
	}
}

func TestCalendarLogsWarningOnMalformedSchedule(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	c, err := New("", logger, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Add(&autonomy.Schedule{Kind: autonomy.ScheduleCron, Enabled: true, CronExpression: "garbage", Action: "noop"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("schedule next run could not be computed")) {
		t.Errorf("log output = %q, want a warning about schedule computation", buf.String())
	}
}

func TestCalendarAddAndFireEmitsTask(t *testing.T) {
	var emitted *autonomy.Task
	c, err := New("", nil, func(t *autonomy.Task) { emitted = t })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	s := &autonomy.Schedule{
		Name:      "heartbeat",
		Kind:      autonomy.ScheduleOnce,
		Enabled:   true,
		Action:    "noop",
		StartTime: &past,
	}
	added, err := c.Add(s)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := c.RunNow(added.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if emitted == nil {
		t.Fatalf("emit callback not invoked")
	}
	if emitted.Action != "noop" {
		t.Errorf("emitted.Action = %q, want noop", emitted.Action)
	}

	got, ok := c.Get(added.ID)
	if !ok {
		t.Fatalf("Get after RunNow: not found")
	}
	if got.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", got.RunCount)
	}
}

func TestCalendarDisableStopsFiring(t *testing.T) {
	fireCount := 0
	c, err := New("", nil, func(t *autonomy.Task) { fireCount++ })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 1, Action: "noop"}
	added, err := c.Add(s)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Disable(added.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	got, _ := c.Get(added.ID)
	if got.Enabled {
		t.Errorf("Enabled = true after Disable")
	}
	if got.NextRun != nil {
		t.Errorf("NextRun = %v after Disable, want nil", got.NextRun)
	}
}

func TestCalendarPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c1, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := &autonomy.Schedule{Kind: autonomy.ScheduleInterval, Enabled: true, IntervalSeconds: 60, Action: "noop"}
	added, err := c1.Add(s)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	c2, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New reload: %v", err)
	}
	got, ok := c2.Get(added.ID)
	if !ok {
		t.Fatalf("Get after reload: not found")
	}
	if got.IntervalSeconds != 60 {
		t.Errorf("IntervalSeconds = %v, want 60", got.IntervalSeconds)
	}
}
