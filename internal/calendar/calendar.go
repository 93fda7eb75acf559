// Package calendar implements the scheduler: a container/heap timer over
// recurring Schedules that emits new Tasks on each fire.
package calendar

import (
	"container/heap"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/autonomy-core/internal/persist"
	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TaskEmitter is called each time a schedule fires, with a freshly built
// Task the caller should hand to the task store/engine.
type TaskEmitter func(t *autonomy.Task)

type entry struct {
	scheduleID string
	nextRun    time.Time
	index      int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].nextRun.Before(h[j].nextRun) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type snapshot struct {
	Schedules map[string]*autonomy.Schedule `json:"schedules"`
	Timestamp time.Time                     `json:"timestamp"`
}

// Calendar holds every Schedule and runs a ticker loop that fires due ones,
// emitting a Task for each and recomputing NextRun. It mirrors the lifecycle
// shape of a polling scheduler: Start spawns the ticker goroutine, Stop
// drains it.
type Calendar struct {
	mu        sync.Mutex
	schedules map[string]*autonomy.Schedule
	heap      entryHeap
	byID      map[string]*entry

	path   string
	logger *slog.Logger
	now    func() time.Time
	emit   TaskEmitter

	stop chan struct{}
	done chan struct{}
}

// New creates a Calendar. If dir is non-empty, schedules persist to
// <dir>/schedules.json.
func New(dir string, logger *slog.Logger, emit TaskEmitter) (*Calendar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Calendar{
		schedules: make(map[string]*autonomy.Schedule),
		byID:      make(map[string]*entry),
		logger:    logger.With("component", "calendar"),
		now:       time.Now,
		emit:      emit,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if dir != "" {
		c.path = filepath.Join(dir, "schedules.json")
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Calendar) load() error {
	if c.path == "" {
		return nil
	}
	var snap snapshot
	if err := persist.LoadJSON(c.path, &snap); err != nil {
		c.logger.Warn("schedule snapshot failed to load, starting empty", "error", err)
		return nil
	}
	for _, s := range snap.Schedules {
		c.schedules[s.ID] = s
		c.pushIfDue(s)
	}
	return nil
}

func (c *Calendar) save() error {
	c.mu.Lock()
	snap := snapshot{Schedules: make(map[string]*autonomy.Schedule, len(c.schedules)), Timestamp: c.now()}
	for id, s := range c.schedules {
		snap.Schedules[id] = s
	}
	c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	if err := persist.SaveJSON(c.path, snap); err != nil {
		return fmt.Errorf("%w: %v", autonomy.ErrPersistence, err)
	}
	return nil
}

// pushIfDue recomputes s.NextRun and (re)inserts it into the heap if it
// still has runs left. Caller must hold c.mu, except when called from load
// before Start (single-threaded).
func (c *Calendar) pushIfDue(s *autonomy.Schedule) {
	next, ok := computeNextRun(s, c.now(), func(reason error) {
		c.logger.Warn("schedule next run could not be computed",
			"schedule_id", s.ID, "schedule_name", s.Name, "kind", s.Kind, "error", reason)
	})
	s.NextRun = next
	if !ok {
		if e, exists := c.byID[s.ID]; exists {
			heap.Remove(&c.heap, e.index)
			delete(c.byID, s.ID)
		}
		return
	}
	if e, exists := c.byID[s.ID]; exists {
		e.nextRun = *next
		heap.Fix(&c.heap, e.index)
		return
	}
	e := &entry{scheduleID: s.ID, nextRun: *next}
	c.byID[s.ID] = e
	heap.Push(&c.heap, e)
}

// Add registers a new schedule (assigning an ID if empty) and computes its
// first NextRun.
func (c *Calendar) Add(s *autonomy.Schedule) (*autonomy.Schedule, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	clone := *s

	c.mu.Lock()
	c.schedules[clone.ID] = &clone
	c.pushIfDue(&clone)
	c.mu.Unlock()

	if err := c.save(); err != nil {
		return nil, err
	}
	result := clone
	return &result, nil
}

// Enable/Disable toggle a schedule's Enabled flag and recompute its place in
// the timer heap.
func (c *Calendar) setEnabled(id string, enabled bool) error {
	c.mu.Lock()
	s, ok := c.schedules[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: schedule %s", autonomy.ErrInvalidArgument, id)
	}
	s.Enabled = enabled
	c.pushIfDue(s)
	c.mu.Unlock()
	return c.save()
}

// Enable turns a schedule back on.
func (c *Calendar) Enable(id string) error { return c.setEnabled(id, true) }

// Disable turns a schedule off; it stops firing until re-enabled.
func (c *Calendar) Disable(id string) error { return c.setEnabled(id, false) }

// Delete removes a schedule entirely.
func (c *Calendar) Delete(id string) error {
	c.mu.Lock()
	delete(c.schedules, id)
	if e, exists := c.byID[id]; exists {
		heap.Remove(&c.heap, e.index)
		delete(c.byID, id)
	}
	c.mu.Unlock()
	return c.save()
}

// Get returns a copy of the schedule, if present.
func (c *Calendar) Get(id string) (*autonomy.Schedule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schedules[id]
	if !ok {
		return nil, false
	}
	copySched := *s
	return &copySched, true
}

// List returns a copy of every schedule.
func (c *Calendar) List() []*autonomy.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*autonomy.Schedule, 0, len(c.schedules))
	for _, s := range c.schedules {
		copySched := *s
		out = append(out, &copySched)
	}
	return out
}

// RunNow fires id immediately regardless of its NextRun, then reschedules it
// as if it had fired naturally.
func (c *Calendar) RunNow(id string) error {
	c.mu.Lock()
	s, ok := c.schedules[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: schedule %s", autonomy.ErrInvalidArgument, id)
	}
	c.fireLocked(s)
	c.mu.Unlock()
	return c.save()
}

// fireLocked emits a Task for s, bumps its run bookkeeping, and
// reschedules. Caller must hold c.mu.
func (c *Calendar) fireLocked(s *autonomy.Schedule) {
	now := c.now()
	s.LastRun = &now
	s.RunCount++

	if c.emit != nil {
		c.emit(buildTask(s))
	}
	c.pushIfDue(s)
}

func buildTask(s *autonomy.Schedule) *autonomy.Task {
	return &autonomy.Task{
		ID:         uuid.NewString(),
		Name:       s.Name,
		Action:     s.Action,
		Parameters: s.Parameters,
		CreatedAt:  time.Now(),
		Status:     autonomy.StatusPending,
		MaxRetries: autonomy.DefaultMaxRetries,
		RetryDelay: autonomy.DefaultRetryDelay,
		Metadata:   map[string]any{"schedule_id": s.ID, "schedule_name": s.Name},
	}
}

// Start runs the fire loop in a background goroutine, polling at most every
// tick for a due schedule.
func (c *Calendar) Start(tick time.Duration) {
	go c.run(tick)
}

// Stop signals the fire loop to exit and waits for it to do so.
func (c *Calendar) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Calendar) run(tick time.Duration) {
	defer close(c.done)
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.fireDue()
		}
	}
}

func (c *Calendar) fireDue() {
	now := c.now()
	var fired bool
	c.mu.Lock()
	for c.heap.Len() > 0 && !c.heap[0].nextRun.After(now) {
		e := heap.Pop(&c.heap).(*entry)
		delete(c.byID, e.scheduleID)
		s, ok := c.schedules[e.scheduleID]
		if !ok {
			continue
		}
		c.fireLocked(s)
		fired = true
	}
	c.mu.Unlock()

	if fired {
		if err := c.save(); err != nil {
			c.logger.Warn("failed to persist schedules after firing", "error", err)
		}
	}
}

// NextRun computes the next fire time for s at now, following
// autonomy.ScheduleKind semantics. A nil *time.Time with ok=false means the
// schedule has no more runs (disabled, exhausted, past EndTime, or a
// malformed schedule definition it can't compute from). Computation errors
// are swallowed here; callers that want them logged use computeNextRun
// directly.
func NextRun(s *autonomy.Schedule, now time.Time) (*time.Time, bool) {
	return computeNextRun(s, now, nil)
}

// computeNextRun is NextRun's implementation, plus an optional onError hook
// invoked when a schedule's next run can't be determined because of a
// malformed definition (bad time_of_day, bad cron expression) rather than a
// legitimate terminal state (disabled, exhausted, before start, past end).
func computeNextRun(s *autonomy.Schedule, now time.Time, onError func(error)) (*time.Time, bool) {
	if !s.Enabled || s.Exhausted() {
		return nil, false
	}
	if s.StartTime != nil && now.Before(*s.StartTime) {
		t := *s.StartTime
		return &t, true
	}
	if s.EndTime != nil && !now.Before(*s.EndTime) {
		return nil, false
	}

	switch s.Kind {
	case autonomy.ScheduleOnce:
		if s.StartTime != nil && s.RunCount == 0 {
			t := *s.StartTime
			return &t, true
		}
		return nil, false

	case autonomy.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			reportScheduleError(onError, fmt.Errorf("%w: interval_seconds %v is not positive", autonomy.ErrScheduleComputation, s.IntervalSeconds))
			return nil, false
		}
		interval := time.Duration(s.IntervalSeconds * float64(time.Second))
		if s.LastRun == nil {
			t := now
			return &t, true
		}
		t := s.LastRun.Add(interval)
		return &t, true

	case autonomy.ScheduleDaily:
		return nextDaily(s, now, onError)

	case autonomy.ScheduleWeekly:
		return nextWeekly(s, now, onError)

	case autonomy.ScheduleMonthly:
		return nextMonthly(s, now, onError)

	case autonomy.ScheduleCron:
		return nextCron(s, now, onError)

	default:
		reportScheduleError(onError, fmt.Errorf("%w: unknown schedule kind %q", autonomy.ErrScheduleComputation, s.Kind))
		return nil, false
	}
}

func reportScheduleError(onError func(error), err error) {
	if onError != nil {
		onError(err)
	}
}

func parseTimeOfDay(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func nextDaily(s *autonomy.Schedule, now time.Time, onError func(error)) (*time.Time, bool) {
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		reportScheduleError(onError, fmt.Errorf("%w: %v", autonomy.ErrScheduleComputation, err))
		return nil, false
	}
	run := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !run.After(now) {
		run = run.AddDate(0, 0, 1)
	}
	return &run, true
}

// nextWeekly treats Days as a set of ISO weekdays (0=Monday..6=Sunday), the
// resolution documented for the Open Question in DESIGN.md: the next fire
// is the earliest TimeOfDay on any listed weekday strictly after now.
func nextWeekly(s *autonomy.Schedule, now time.Time, onError func(error)) (*time.Time, bool) {
	if len(s.Days) == 0 {
		reportScheduleError(onError, fmt.Errorf("%w: weekly schedule has no days configured", autonomy.ErrScheduleComputation))
		return nil, false
	}
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		reportScheduleError(onError, fmt.Errorf("%w: %v", autonomy.ErrScheduleComputation, err))
		return nil, false
	}

	currentISO := isoWeekday(now.Weekday())
	for offset := 0; offset < 8; offset++ {
		candidateISO := (currentISO + offset) % 7
		if !containsDay(s.Days, candidateISO) {
			continue
		}
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()).AddDate(0, 0, offset)
		if candidate.After(now) {
			return &candidate, true
		}
	}
	reportScheduleError(onError, fmt.Errorf("%w: no configured day in %v falls after %v", autonomy.ErrScheduleComputation, s.Days, now))
	return nil, false
}

func isoWeekday(w time.Weekday) int {
	if w == time.Sunday {
		return 6
	}
	return int(w) - 1
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func nextMonthly(s *autonomy.Schedule, now time.Time, onError func(error)) (*time.Time, bool) {
	if len(s.Days) == 0 {
		reportScheduleError(onError, fmt.Errorf("%w: monthly schedule has no days configured", autonomy.ErrScheduleComputation))
		return nil, false
	}
	hour, minute, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		reportScheduleError(onError, fmt.Errorf("%w: %v", autonomy.ErrScheduleComputation, err))
		return nil, false
	}
	dayOfMonth := s.Days[0]

	run := clampedDate(now.Year(), now.Month(), dayOfMonth, hour, minute, now.Location())
	if !run.After(now) {
		year, month := now.Year(), now.Month()+1
		if month > 12 {
			month = 1
			year++
		}
		run = clampedDate(year, month, dayOfMonth, hour, minute, now.Location())
	}
	return &run, true
}

// clampedDate builds a time.Date for day-of-month, clamping to the last day
// of the month when day exceeds it (e.g. day=31 in February).
func clampedDate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
	lastDay := firstOfNext.AddDate(0, 0, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func nextCron(s *autonomy.Schedule, now time.Time, onError func(error)) (*time.Time, bool) {
	if s.CronExpression == "" {
		reportScheduleError(onError, fmt.Errorf("%w: cron schedule has no cron_expression", autonomy.ErrScheduleComputation))
		return nil, false
	}
	loc := now.Location()
	if tz, ok := lookupTimezone(s); ok {
		loc = tz
	}
	schedule, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		reportScheduleError(onError, fmt.Errorf("%w: invalid cron_expression %q: %v", autonomy.ErrScheduleComputation, s.CronExpression, err))
		return nil, false
	}
	next := schedule.Next(now.In(loc))
	if next.IsZero() {
		reportScheduleError(onError, fmt.Errorf("%w: cron_expression %q yields no future run", autonomy.ErrScheduleComputation, s.CronExpression))
		return nil, false
	}
	return &next, true
}

func lookupTimezone(s *autonomy.Schedule) (*time.Location, bool) {
	if raw, ok := s.Metadata["timezone"].(string); ok && raw != "" {
		if loc, err := time.LoadLocation(raw); err == nil {
			return loc, true
		}
	}
	return nil, false
}
