package autonomy

import "errors"

// Error taxonomy for the autonomy core. Callers should match against these
// with errors.Is; most are wrapped with task- or schedule-specific detail
// via fmt.Errorf("%w: ...", ErrX).
var (
	// ErrInvalidArgument is returned synchronously to the caller: unknown
	// action, cyclic dependency, or malformed schedule.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSafetyRejection means a safety check vetoed the task before
	// approval. The task is marked FAILED, not retried.
	ErrSafetyRejection = errors.New("safety check failed")

	// ErrNotApproved means the policy gate denied the task. The task is
	// marked CANCELLED, not retried.
	ErrNotApproved = errors.New("not approved")

	// ErrActionError wraps a panic or returned error from inside an action
	// body. Retried until max_retries, then FAILED.
	ErrActionError = errors.New("action error")

	// ErrTimeout means a task's deadline expired. Treated as a retryable
	// ErrActionError.
	ErrTimeout = errors.New("timeout")

	// ErrMissingAction means the action was unregistered between task
	// submission and dispatch. FAILED immediately, no retry.
	ErrMissingAction = errors.New("unknown action")

	// ErrPersistence wraps a snapshot I/O failure. Non-fatal: in-memory
	// state continues, and the next save cycle retries.
	ErrPersistence = errors.New("persistence error")

	// ErrScheduleComputation means a schedule's next_run could not be
	// computed (malformed cron expression, bad time-of-day). The schedule
	// yields no next_run until corrected.
	ErrScheduleComputation = errors.New("schedule computation error")
)

// IsNotApproved reports whether err wraps ErrNotApproved.
func IsNotApproved(err error) bool {
	return errors.Is(err, ErrNotApproved)
}
