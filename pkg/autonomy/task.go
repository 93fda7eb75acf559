// Package autonomy defines the public data model and orchestrator for the
// autonomy core: task submission, dependency-aware scheduling, policy
// gating, recurring schedules, and feedback collection.
package autonomy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the current state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing: once reached, a task
// never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work bound to a registered action.
//
// Status transitions only along PENDING -> {RUNNING, CANCELLED}; RUNNING ->
// {COMPLETED, FAILED, CANCELLED, PENDING (retry)}. Terminal states are
// absorbing. StartedAt is set exactly once on first RUNNING entry;
// CompletedAt is set exactly once on first entry into a terminal state.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// Priority ranks immediate (non-scheduled) tasks; higher runs first.
	Priority int `json:"priority"`

	// Dependencies lists task ids that must reach COMPLETED before this
	// task is ready.
	Dependencies []string `json:"dependencies,omitempty"`

	MaxRetries int     `json:"max_retries"`
	RetryDelay float64 `json:"retry_delay"`
	// Timeout, if set, is a soft per-execution deadline in seconds.
	Timeout *float64 `json:"timeout,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status     Status `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`

	ParentID *string  `json:"parent_id,omitempty"`
	Subtasks []string `json:"subtasks,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON stringifies Result when it can't encode as JSON on its own
// (a func, channel, or self-referential value a misbehaving action
// returned), so one bad result never blocks the rest of a snapshot from
// persisting.
func (t *Task) MarshalJSON() ([]byte, error) {
	type alias Task
	result := t.Result
	if result != nil {
		if _, err := json.Marshal(result); err != nil {
			result = fmt.Sprintf("%v", t.Result)
		}
	}
	return json.Marshal(&struct {
		Result any `json:"result,omitempty"`
		*alias
	}{
		Result: result,
		alias:  (*alias)(t),
	})
}

// DefaultMaxRetries and DefaultRetryDelay mirror the data model defaults in
// the task submission API (max_retries=3, retry_delay=5s).
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5.0
)

// Ready reports whether t may be dispatched: PENDING, every dependency
// COMPLETED, and (ScheduledAt unset or not in the future).
func (t *Task) Ready(completed func(id string) (Status, bool), now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, depID := range t.Dependencies {
		status, ok := completed(depID)
		if !ok {
			// Missing dependencies don't block readiness; the original
			// source treats an unknown dependency id as satisfied.
			continue
		}
		if status != StatusCompleted {
			return false
		}
	}
	if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
		return false
	}
	return true
}

// TaskResult is the transient outcome of one execution attempt, returned by
// WaitForTask and passed to the completion callback. Unlike Task, it is not
// persisted.
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	Success        bool           `json:"success"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ExecutionTime  time.Duration  `json:"execution_time"`
	SubtaskResults []*TaskResult  `json:"subtask_results,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
