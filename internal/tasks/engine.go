package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/autonomy-core/internal/gate"
	"github.com/haasonsaas/autonomy-core/internal/observability"
	"github.com/haasonsaas/autonomy-core/internal/registry"
	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

// CompletionFunc is notified once per terminal task state transition
// (COMPLETED, FAILED, or CANCELLED). It must not block for long.
type CompletionFunc func(t *autonomy.Task, result *autonomy.TaskResult)

// Engine is the dependency-aware dispatch loop: it walks pending tasks for
// readiness, enforces the policy gate, submits ready tasks to the executor
// pool, and on completion applies the retry and parent-rollup rules.
//
// This is the Go shape of the original source's AutonomyManager._process_tasks
// / _execute_task / _handle_task_completion trio, split into a store (state),
// a queue (ordering), a pool (concurrency), and this engine (policy).
type Engine struct {
	store    *Store
	queue    *ReadyQueue
	pool     *Pool
	gate     *gate.Gate
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	completion CompletionFunc
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewEngine wires a Store, ReadyQueue, executor Pool, policy Gate, and
// action Registry into a running dispatch loop. Call Start to begin pulling
// from the queue.
func NewEngine(store *Store, queue *ReadyQueue, capacity int, g *gate.Gate, reg *registry.Registry, logger *slog.Logger, completion CompletionFunc) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		queue:      queue,
		gate:       g,
		registry:   reg,
		logger:     logger.With("component", "engine"),
		completion: completion,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.pool = NewPool(capacity, logger, e.handleOutcome)
	return e
}

// Enqueue places a PENDING task into the ready queue immediately, using its
// priority or (if scheduled in the future) its scheduled time as the sort
// key, mirroring the original source's _enqueue_task priority formula.
func (e *Engine) Enqueue(t *autonomy.Task) {
	now := e.now()
	if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
		e.queue.Push(t.ID, float64(t.ScheduledAt.UnixNano()))
		return
	}
	e.queue.Push(t.ID, -float64(t.Priority))
}

// RefreshReady scans every PENDING task and enqueues the ones whose
// dependencies are now satisfied. Called after any task reaches COMPLETED,
// since that may unblock others.
func (e *Engine) RefreshReady() {
	pending := autonomy.StatusPending
	for _, t := range e.store.List(Filter{Status: &pending}) {
		if e.queue.Contains(t.ID) {
			continue
		}
		if t.Ready(e.store.StatusOf, e.now()) {
			e.Enqueue(t)
		}
	}
}

// Start runs the dispatch loop in a background goroutine until Stop is
// called. tick controls how often the loop polls the queue when nothing is
// immediately ready (e.g. the next ready task is future-scheduled).
func (e *Engine) Start(tick time.Duration) {
	go e.run(tick)
}

// Stop signals the dispatch loop to exit and waits for in-flight jobs to
// finish submitting (not for them to complete — callers that need a full
// drain should call Pool().Wait() afterward).
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// Pool exposes the underlying executor pool, e.g. for CancelTask support.
func (e *Engine) Pool() *Pool { return e.pool }

// SetMetrics attaches a Metrics recorder for dispatch/retry/queue-depth
// observations. Call before Start; nil (the default) disables recording.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

func (e *Engine) run(tick time.Duration) {
	defer close(e.done)
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.drain()
		}
	}
}

// drain pops ready entries and dispatches as many as the pool has capacity
// for, re-queuing anything the pool couldn't accept this tick.
func (e *Engine) drain() {
	for e.pool.Available() {
		taskID, ok := e.queue.Pop()
		if !ok {
			break
		}
		if !e.dispatchOne(taskID) {
			continue
		}
	}
	if e.metrics != nil {
		e.metrics.SetReadyQueueDepth(e.queue.Len())
	}
}

func (e *Engine) dispatchOne(taskID string) bool {
	t, ok := e.store.Get(taskID)
	if !ok {
		e.logger.Warn("queued task missing from store", "task_id", taskID)
		return false
	}
	if t.Status.Terminal() {
		return false
	}
	if !t.Ready(e.store.StatusOf, e.now()) {
		// Not ready yet (e.g. future ScheduledAt); re-queue for the next pass.
		e.Enqueue(t)
		return false
	}

	if e.gate != nil {
		if ok, reason := e.gate.CheckSafety(t); !ok {
			e.finishRejected(t, fmt.Errorf("%w: %s", autonomy.ErrSafetyRejection, reason))
			return false
		}
		approved, err := e.gate.Approve(t)
		if err != nil || !approved {
			e.finishRejected(t, autonomy.ErrNotApproved)
			return false
		}
	}

	action, hasAction := e.registry.Get(t.Action)
	if !hasAction {
		e.finishRejected(t, fmt.Errorf("%w: %s", autonomy.ErrMissingAction, t.Action))
		return false
	}

	startedAt := e.now()
	_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
		task.Status = autonomy.StatusRunning
		task.StartedAt = &startedAt
		return nil
	})

	var timeout *time.Duration
	if t.Timeout != nil {
		d := time.Duration(*t.Timeout * float64(time.Second))
		timeout = &d
	}

	job := Job{
		TaskID:  t.ID,
		Timeout: timeout,
		Run: func(ctx context.Context) (any, error) {
			return action.Fn(ctx, t.Parameters)
		},
	}
	if !e.pool.TrySubmit(context.Background(), job) {
		// Pool filled between Available() check and here; revert to PENDING
		// and re-queue.
		_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
			task.Status = autonomy.StatusPending
			task.StartedAt = nil
			return nil
		})
		e.Enqueue(t)
		return false
	}
	if e.metrics != nil {
		e.metrics.TaskDispatched(t.Action)
	}
	return true
}

// finishRejected marks t FAILED (safety) or CANCELLED (not approved) without
// ever running its action, matching the original source's early-exit paths
// in _process_tasks.
func (e *Engine) finishRejected(t *autonomy.Task, cause error) {
	status := autonomy.StatusFailed
	if autonomy.IsNotApproved(cause) {
		status = autonomy.StatusCancelled
	}
	completedAt := e.now()
	_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
		task.Status = status
		task.Error = cause.Error()
		task.CompletedAt = &completedAt
		return nil
	})
	if e.metrics != nil {
		e.metrics.TaskFinished(t.Action, string(status), 0)
	}
	if e.completion != nil {
		e.completion(t, &autonomy.TaskResult{TaskID: t.ID, Success: false, Error: cause.Error()})
	}
}

// handleOutcome is the Pool's onResult callback: apply success/failure,
// schedule a retry if attempts remain, roll up to the parent, and
// re-evaluate readiness for anything that depended on this task.
func (e *Engine) handleOutcome(o Outcome) {
	t, ok := e.store.Get(o.TaskID)
	if !ok {
		e.logger.Warn("outcome for unknown task", "task_id", o.TaskID)
		return
	}
	if t.Status == autonomy.StatusCancelled {
		// Cancelled while running; nothing further to do.
		return
	}

	if o.Err == nil {
		completedAt := e.now()
		_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
			task.Status = autonomy.StatusCompleted
			task.Result = o.Result
			task.Error = ""
			task.CompletedAt = &completedAt
			return nil
		})
		result := &autonomy.TaskResult{TaskID: t.ID, Success: true, Result: o.Result, ExecutionTime: o.ExecutionTime}
		if e.metrics != nil {
			e.metrics.TaskFinished(t.Action, string(autonomy.StatusCompleted), o.ExecutionTime.Seconds())
		}
		e.notifyAndCascade(t.ID, result)
		return
	}

	if t.RetryCount < t.MaxRetries {
		retryCount := t.RetryCount + 1
		scheduledAt := e.now().Add(time.Duration(t.RetryDelay * float64(time.Second)))
		_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
			task.RetryCount = retryCount
			task.Status = autonomy.StatusPending
			task.Error = fmt.Sprintf("%s (retry %d/%d)", o.Err.Error(), retryCount, task.MaxRetries)
			if task.RetryDelay > 0 {
				task.ScheduledAt = &scheduledAt
			}
			task.StartedAt = nil
			return nil
		})
		if e.metrics != nil {
			e.metrics.TaskRetried(t.Action)
		}
		retried, _ := e.store.Get(t.ID)
		e.Enqueue(retried)
		return
	}

	completedAt := e.now()
	_ = e.store.Mutate(t.ID, func(task *autonomy.Task) error {
		task.Status = autonomy.StatusFailed
		task.Error = fmt.Sprintf("%s (max retries exceeded)", o.Err.Error())
		task.CompletedAt = &completedAt
		return nil
	})
	result := &autonomy.TaskResult{TaskID: t.ID, Success: false, Error: o.Err.Error(), ExecutionTime: o.ExecutionTime}
	if e.metrics != nil {
		e.metrics.TaskFinished(t.Action, string(autonomy.StatusFailed), o.ExecutionTime.Seconds())
	}
	e.notifyAndCascade(t.ID, result)
}

func (e *Engine) notifyAndCascade(taskID string, result *autonomy.TaskResult) {
	t, ok := e.store.Get(taskID)
	if !ok {
		return
	}
	if e.completion != nil {
		e.completion(t, result)
	}
	if t.ParentID != nil {
		e.rollupParent(*t.ParentID)
	}
	e.RefreshReady()
}

// rollupParent implements the asymmetric parent/subtask relationship: a
// RUNNING parent completes once every subtask reaches a terminal state,
// becoming COMPLETED if all succeeded or FAILED (summarizing which subtasks
// failed) otherwise. It never cascades the other direction here; cancelling
// a parent cascading to children is handled by CancelTask.
func (e *Engine) rollupParent(parentID string) {
	parent, ok := e.store.Get(parentID)
	if !ok || parent.Status != autonomy.StatusRunning {
		return
	}

	allComplete := true
	allSuccess := true
	var failed []string
	for _, childID := range parent.Subtasks {
		child, ok := e.store.Get(childID)
		if !ok {
			continue
		}
		if !child.Status.Terminal() {
			allComplete = false
			break
		}
		if child.Status != autonomy.StatusCompleted {
			allSuccess = false
			failed = append(failed, childID)
		}
	}
	if !allComplete {
		return
	}

	completedAt := e.now()
	newStatus := autonomy.StatusCompleted
	if !allSuccess {
		newStatus = autonomy.StatusFailed
	}
	_ = e.store.Mutate(parentID, func(task *autonomy.Task) error {
		task.Status = newStatus
		task.CompletedAt = &completedAt
		if allSuccess {
			task.Result = map[string]any{
				"subtasks_completed": len(task.Subtasks),
				"subtasks_failed":    0,
			}
		} else {
			task.Error = fmt.Sprintf("failed subtasks: %v", failed)
			task.Result = map[string]any{
				"subtasks_completed": len(task.Subtasks) - len(failed),
				"subtasks_failed":    len(failed),
				"failed_subtasks":    failed,
			}
		}
		return nil
	})

	updated, _ := e.store.Get(parentID)
	if e.completion != nil {
		e.completion(updated, &autonomy.TaskResult{TaskID: parentID, Success: allSuccess})
	}
	if updated.ParentID != nil {
		e.rollupParent(*updated.ParentID)
	}
}

// Cancel cancels a task. A running task is interrupted via the pool; a
// pending one is marked CANCELLED directly and, only in that case, cascades
// the cancellation to its subtasks (mirroring the original source: a
// successfully interrupted running task does not cascade, since its
// subtasks may still be mid-flight and will resolve on their own).
//
// A task already in a terminal status is a no-op: it returns false, nil
// rather than an error, since asking to cancel a task that's already
// finished isn't a caller mistake.
func (e *Engine) Cancel(taskID string) (bool, error) {
	t, ok := e.store.Get(taskID)
	if !ok {
		return false, fmt.Errorf("%w: task %s", autonomy.ErrInvalidArgument, taskID)
	}
	if t.Status.Terminal() {
		return false, nil
	}

	if e.pool.Running(taskID) {
		e.pool.Cancel(taskID)
		completedAt := e.now()
		err := e.store.Mutate(taskID, func(task *autonomy.Task) error {
			task.Status = autonomy.StatusCancelled
			task.CompletedAt = &completedAt
			return nil
		})
		return err == nil, err
	}

	e.queue.Remove(taskID)
	completedAt := e.now()
	if err := e.store.Mutate(taskID, func(task *autonomy.Task) error {
		task.Status = autonomy.StatusCancelled
		task.CompletedAt = &completedAt
		return nil
	}); err != nil {
		return false, err
	}
	for _, subtaskID := range t.Subtasks {
		_, _ = e.Cancel(subtaskID)
	}
	return true, nil
}
