// Package orchestrator wires the action registry, the task store/queue/
// engine, the policy gate, the schedule calendar, and the feedback sink
// into one running autonomy loop with a single Start/Stop lifecycle. It is
// the Go shape of original_source/src/loop/autonomy.py's AutonomyManager.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autonomy-core/internal/calendar"
	"github.com/haasonsaas/autonomy-core/internal/feedback"
	"github.com/haasonsaas/autonomy-core/internal/gate"
	"github.com/haasonsaas/autonomy-core/internal/observability"
	"github.com/haasonsaas/autonomy-core/internal/registry"
	"github.com/haasonsaas/autonomy-core/internal/tasks"
	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

// CompletionFunc is notified on every task's terminal status transition.
// Per the documented callback contract, a panicking callback is recovered,
// logged, and otherwise ignored.
type CompletionFunc func(t *autonomy.Task, result *autonomy.TaskResult)

// TaskDef describes one step passed to CreateChain.
type TaskDef struct {
	Action       string
	Name         string
	Description  string
	Parameters   map[string]any
	Priority     int
	Dependencies []string
	Metadata     map[string]any
}

// builtinActionNames are placeholders for external collaborators the host
// process is expected to override by re-registering the same name with
// Registry before scheduling work against it.
var builtinActionNames = []string{
	"daily_review",
	"memory_consolidation",
	"news_update",
	"debug_errors",
	"knowledge_update",
}

// Orchestrator binds every autonomy-core component into one running
// process. Construct with New, call Start to begin dispatching, and Stop to
// drain and persist on shutdown.
type Orchestrator struct {
	cfg autonomy.Config

	store    *tasks.Store
	queue    *tasks.ReadyQueue
	engine   *tasks.Engine
	gate     *gate.Gate
	registry *registry.Registry
	calendar *calendar.Calendar
	feedback *feedback.Sink

	metrics *observability.Metrics
	tracer  *observability.Tracer
	log     *observability.Logger
	logger  *slog.Logger

	completion CompletionFunc

	mu      sync.Mutex
	running bool
	waiters map[string][]chan *autonomy.TaskResult
}

// New wires every component from cfg and loads any persisted state. metrics
// and tracer may be nil to disable instrumentation; completion may be nil.
func New(cfg autonomy.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer, completion CompletionFunc) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:        cfg,
		metrics:    metrics,
		tracer:     tracer,
		log:        observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"}),
		logger:     logger.With("component", "orchestrator"),
		completion: completion,
		waiters:    make(map[string][]chan *autonomy.TaskResult),
	}

	var tasksDir, schedulesDir string
	if cfg.Autonomy.Persistence.Enable && cfg.Autonomy.Persistence.Dir != "" {
		tasksDir = filepath.Join(cfg.Autonomy.Persistence.Dir, "tasks")
		schedulesDir = filepath.Join(cfg.Autonomy.Persistence.Dir, "schedules")
	}

	store, err := tasks.NewStore(tasksDir, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: task store: %w", err)
	}
	o.store = store
	o.queue = tasks.NewReadyQueue()

	o.registry = registry.New(logger)
	o.registerBuiltins()

	o.gate = gate.New(cfg.Autonomy.DefaultLevel)
	if cfg.Autonomy.Safety.EnableSafetyChecks {
		o.gate.SetRestrictedActions(cfg.Autonomy.Safety.RestrictedActions)
	}
	o.gate.SetHighRiskActions(cfg.Autonomy.Safety.HighRiskActions)
	o.gate.SetRequireApproval(cfg.Autonomy.RequireApproval)

	capacity := cfg.Autonomy.MaxConcurrentTasks
	if capacity <= 0 {
		capacity = 1
	}
	o.engine = tasks.NewEngine(o.store, o.queue, capacity, o.gate, o.registry, logger, o.onTaskCompletion)
	o.engine.SetMetrics(metrics)

	cal, err := calendar.New(schedulesDir, logger, o.onScheduleFire)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: calendar: %w", err)
	}
	o.calendar = cal

	fb, err := feedback.New(cfg.Feedback.StorageDir, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: feedback sink: %w", err)
	}
	o.feedback = fb

	for _, sc := range cfg.Scheduler.RecurringTasks {
		if _, err := o.calendar.Add(scheduleFromConfig(sc)); err != nil {
			o.logger.Warn("failed to preload recurring schedule", "name", sc.Name, "error", err)
		}
	}

	// Pending tasks reloaded from disk (RUNNING coerced to PENDING by Store)
	// whose dependencies are already satisfied need to re-enter the queue.
	o.engine.RefreshReady()

	return o, nil
}

func scheduleFromConfig(sc autonomy.ScheduleConfig) *autonomy.Schedule {
	return &autonomy.Schedule{
		Name:            sc.Name,
		Kind:            sc.Kind,
		Enabled:         true,
		Action:          sc.Action,
		Parameters:      sc.Parameters,
		StartTime:       sc.StartTime,
		EndTime:         sc.EndTime,
		IntervalSeconds: sc.IntervalSeconds,
		Days:            sc.Days,
		TimeOfDay:       sc.TimeOfDay,
		CronExpression:  sc.CronExpression,
		MaxRuns:         sc.MaxRuns,
		Tags:            sc.Tags,
	}
}

// registerBuiltins binds the always-available actions: no-op, wait, and the
// chain coordinator a CreateChain parent runs. It also pre-registers the
// domain placeholder actions named in the scheduling config surface as
// stubs, so a misconfigured schedule fails with a clear error instead of
// ErrMissingAction.
func (o *Orchestrator) registerBuiltins() {
	_ = o.registry.Register("noop", "Does nothing; echoes its parameters back as the result.", nil,
		func(ctx context.Context, params map[string]any) (any, error) {
			return params, nil
		})

	_ = o.registry.Register("wait", "Sleeps for params[\"seconds\"] (default 0) then returns.",
		[]registry.Param{{Name: "seconds", Description: "duration to sleep, in seconds"}},
		func(ctx context.Context, params map[string]any) (any, error) {
			seconds, _ := params["seconds"].(float64)
			if seconds <= 0 {
				return nil, nil
			}
			timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			}
		})

	_ = o.registry.Register("chain_coordinator",
		"Runs as the parent task of a CreateChain; does nothing itself, since the chain's progress is tracked by subtask rollup.",
		nil,
		func(ctx context.Context, params map[string]any) (any, error) {
			return nil, nil
		})

	for _, name := range builtinActionNames {
		name := name
		_ = o.registry.Register(name,
			"External collaborator action; override this registration before scheduling it.",
			nil,
			func(ctx context.Context, params map[string]any) (any, error) {
				return nil, fmt.Errorf("action %q: not implemented, override this action", name)
			})
	}
}

// Registry exposes the action registry so a host process can register or
// override actions before calling Start.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Gate exposes the policy gate so a host process can install an approver or
// additional safety checks before calling Start.
func (o *Orchestrator) Gate() *gate.Gate { return o.gate }

// Start begins dispatching ready tasks and firing due schedules.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	checkInterval := o.cfg.Scheduler.CheckInterval
	o.engine.Start(checkInterval)
	o.calendar.Start(checkInterval)
	o.logger.Info("orchestrator started", "autonomy_level", o.gate.Level(), "max_concurrent_tasks", o.cfg.Autonomy.MaxConcurrentTasks)
}

// Stop signals the dispatch and schedule loops to exit, optionally waiting
// up to timeout for in-flight tasks to finish, then persists final state.
func (o *Orchestrator) Stop(wait bool, timeout time.Duration) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	o.calendar.Stop()
	o.engine.Stop()

	if wait {
		done := make(chan struct{})
		go func() {
			o.engine.Pool().Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			o.logger.Warn("timed out waiting for in-flight tasks to finish")
		}
	}
	o.logger.Info("orchestrator stopped")
}

// CreateTask submits a new task. If def.Dependencies are already satisfied
// and it carries no future ScheduledAt, it's enqueued immediately.
func (o *Orchestrator) CreateTask(def TaskDef) (*autonomy.Task, error) {
	if !o.registry.Has(def.Action) {
		return nil, fmt.Errorf("%w: unknown action %q", autonomy.ErrInvalidArgument, def.Action)
	}
	name := def.Name
	if name == "" {
		name = def.Action
	}
	t := &autonomy.Task{
		ID:           newID(),
		Name:         name,
		Description:  def.Description,
		Action:       def.Action,
		Parameters:   def.Parameters,
		Priority:     def.Priority,
		Dependencies: def.Dependencies,
		MaxRetries:   autonomy.DefaultMaxRetries,
		RetryDelay:   autonomy.DefaultRetryDelay,
		CreatedAt:    time.Now(),
		Status:       autonomy.StatusPending,
		Metadata:     def.Metadata,
	}
	return o.submit(t, "")
}

// CreateSubtask submits a task as a child of parentID, registering it in the
// parent's Subtasks list so the engine's rollup logic tracks it.
func (o *Orchestrator) CreateSubtask(def TaskDef, parentID string) (*autonomy.Task, error) {
	if !o.registry.Has(def.Action) {
		return nil, fmt.Errorf("%w: unknown action %q", autonomy.ErrInvalidArgument, def.Action)
	}
	name := def.Name
	if name == "" {
		name = def.Action
	}
	pid := parentID
	t := &autonomy.Task{
		ID:           newID(),
		Name:         name,
		Description:  def.Description,
		Action:       def.Action,
		Parameters:   def.Parameters,
		Priority:     def.Priority,
		Dependencies: def.Dependencies,
		MaxRetries:   autonomy.DefaultMaxRetries,
		RetryDelay:   autonomy.DefaultRetryDelay,
		CreatedAt:    time.Now(),
		Status:       autonomy.StatusPending,
		Metadata:     def.Metadata,
		ParentID:     &pid,
	}
	return o.submit(t, parentID)
}

func (o *Orchestrator) submit(t *autonomy.Task, parentID string) (*autonomy.Task, error) {
	if o.tracer != nil {
		_, span := o.tracer.TraceTaskExecution(context.Background(), t.ID, t.Action)
		o.tracer.SetAttributes(span, "task.created", true)
		span.End()
	}
	if err := o.store.Put(t); err != nil {
		return nil, err
	}
	if parentID != "" {
		if err := o.store.Mutate(parentID, func(parent *autonomy.Task) error {
			parent.Subtasks = append(parent.Subtasks, t.ID)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("%w: parent %s: %v", autonomy.ErrInvalidArgument, parentID, err)
		}
	}
	if t.Ready(o.store.StatusOf, time.Now()) {
		o.engine.Enqueue(t)
	}
	ctx := observability.AddRequestID(context.Background(), t.ID)
	o.log.Info(ctx, "task created", "action", t.Action, "parent_id", parentID)
	return t, nil
}

// CreateChain creates a parent "chain_coordinator" task plus one subtask per
// def, wiring each to depend on the previous (in addition to any
// dependencies already listed), and returns the parent.
func (o *Orchestrator) CreateChain(defs []TaskDef, name, description string, metadata map[string]any) (*autonomy.Task, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: create_chain requires at least one task", autonomy.ErrInvalidArgument)
	}
	chainName := name
	if chainName == "" {
		chainName = "Task Chain"
	}
	chainDesc := description
	if chainDesc == "" {
		chainDesc = fmt.Sprintf("Chain of %d tasks", len(defs))
	}
	parent, err := o.CreateTask(TaskDef{Action: "chain_coordinator", Name: chainName, Description: chainDesc, Metadata: metadata})
	if err != nil {
		return nil, err
	}
	// chain_coordinator never becomes ready on its own dependencies; mark it
	// RUNNING so the engine's parent-rollup watches it instead of dispatching it.
	if err := o.store.Mutate(parent.ID, func(task *autonomy.Task) error {
		task.Status = autonomy.StatusRunning
		started := time.Now()
		task.StartedAt = &started
		return nil
	}); err != nil {
		return nil, err
	}

	previousID := ""
	for i, def := range defs {
		deps := append([]string(nil), def.Dependencies...)
		if previousID != "" {
			deps = append(deps, previousID)
		}
		stepName := def.Name
		if stepName == "" {
			stepName = fmt.Sprintf("Step %d", i+1)
		}
		step := def
		step.Name = stepName
		step.Dependencies = deps
		subtask, err := o.CreateSubtask(step, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("chain step %d: %w", i+1, err)
		}
		previousID = subtask.ID
	}

	updated, _ := o.store.Get(parent.ID)
	return updated, nil
}

// GetTask returns a task by id.
func (o *Orchestrator) GetTask(id string) (*autonomy.Task, bool) { return o.store.Get(id) }

// ListTasks returns every task matching filter.
func (o *Orchestrator) ListTasks(filter tasks.Filter) []*autonomy.Task { return o.store.List(filter) }

// CancelTask cancels a pending or running task. Cancelling a task already
// in a terminal status is a no-op: it reports ok=false rather than an error.
func (o *Orchestrator) CancelTask(id string) (bool, error) { return o.engine.Cancel(id) }

// WaitForTask blocks until id reaches a terminal status or timeout elapses
// (zero means wait indefinitely), returning its result.
func (o *Orchestrator) WaitForTask(id string, timeout time.Duration) (*autonomy.TaskResult, bool) {
	t, ok := o.store.Get(id)
	if !ok {
		return nil, false
	}
	if t.Status.Terminal() {
		return terminalResult(t), true
	}

	ch := make(chan *autonomy.TaskResult, 1)
	o.mu.Lock()
	o.waiters[id] = append(o.waiters[id], ch)
	o.mu.Unlock()

	// Re-check after registering the waiter, in case the task finished
	// between the first Get and the registration above.
	if t, ok := o.store.Get(id); ok && t.Status.Terminal() {
		o.removeWaiter(id, ch)
		return terminalResult(t), true
	}

	if timeout <= 0 {
		result := <-ch
		return result, true
	}
	select {
	case result := <-ch:
		return result, true
	case <-time.After(timeout):
		o.removeWaiter(id, ch)
		return nil, false
	}
}

func terminalResult(t *autonomy.Task) *autonomy.TaskResult {
	return &autonomy.TaskResult{TaskID: t.ID, Success: t.Status == autonomy.StatusCompleted, Result: t.Result, Error: t.Error}
}

func (o *Orchestrator) removeWaiter(id string, ch chan *autonomy.TaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	waiters := o.waiters[id]
	for i, c := range waiters {
		if c == ch {
			o.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) signalWaiters(id string, result *autonomy.TaskResult) {
	o.mu.Lock()
	waiters := o.waiters[id]
	delete(o.waiters, id)
	o.mu.Unlock()
	for _, ch := range waiters {
		ch <- result
	}
}

// onTaskCompletion is the engine's CompletionFunc: wake any WaitForTask
// callers, then forward to the host-supplied callback, recovering a panic
// per the documented "exceptions are logged and ignored" contract.
func (o *Orchestrator) onTaskCompletion(t *autonomy.Task, result *autonomy.TaskResult) {
	ctx := observability.AddRequestID(context.Background(), t.ID)
	o.log.Info(ctx, "task finished", "action", t.Action, "status", t.Status, "success", result.Success)
	o.signalWaiters(t.ID, result)
	if o.completion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("completion callback panicked", "task_id", t.ID, "panic", r)
		}
	}()
	o.completion(t, result)
}

// onScheduleFire is the calendar's TaskEmitter: persist the fired task and
// enqueue it for dispatch.
func (o *Orchestrator) onScheduleFire(t *autonomy.Task) {
	kind := "unknown"
	scheduleID, _ := t.Metadata["schedule_id"].(string)
	if s, found := o.calendar.Get(scheduleID); found {
		kind = string(s.Kind)
	}
	if o.metrics != nil {
		o.metrics.RecordScheduleFire(kind)
	}
	if o.tracer != nil {
		_, span := o.tracer.TraceScheduleFire(context.Background(), scheduleID, kind)
		span.End()
	}
	if err := o.store.Put(t); err != nil {
		o.logger.Error("failed to persist scheduled task", "task_id", t.ID, "error", err)
		return
	}
	o.engine.Enqueue(t)
}

// CreateSchedule registers a new recurring schedule.
func (o *Orchestrator) CreateSchedule(s *autonomy.Schedule) (*autonomy.Schedule, error) {
	if !o.registry.Has(s.Action) {
		return nil, fmt.Errorf("%w: unknown action %q", autonomy.ErrInvalidArgument, s.Action)
	}
	return o.calendar.Add(s)
}

// EnableSchedule/DisableSchedule/DeleteSchedule/RunNow/ListSchedules/
// GetSchedule expose the calendar's mutation surface through the
// orchestrator so a host process never needs direct access to internal/calendar.
func (o *Orchestrator) EnableSchedule(id string) error       { return o.calendar.Enable(id) }
func (o *Orchestrator) DisableSchedule(id string) error      { return o.calendar.Disable(id) }
func (o *Orchestrator) DeleteSchedule(id string) error       { return o.calendar.Delete(id) }
func (o *Orchestrator) RunScheduleNow(id string) error       { return o.calendar.RunNow(id) }
func (o *Orchestrator) ListSchedules() []*autonomy.Schedule  { return o.calendar.List() }

func (o *Orchestrator) GetSchedule(id string) (*autonomy.Schedule, bool) {
	return o.calendar.Get(id)
}

// AddFeedback appends a feedback entry and folds it into its target's
// rolling summary.
func (o *Orchestrator) AddFeedback(entry *autonomy.FeedbackEntry) (*autonomy.FeedbackEntry, error) {
	return o.feedback.Append(entry)
}

// GetFeedbackSummary returns the rolling summary for a target.
func (o *Orchestrator) GetFeedbackSummary(targetType, targetID string) (*autonomy.FeedbackSummary, bool) {
	return o.feedback.Summary(targetType, targetID)
}

// ListFeedback returns recorded feedback entries for a target (or all, if
// targetID is empty).
func (o *Orchestrator) ListFeedback(targetType, targetID string) []*autonomy.FeedbackEntry {
	return o.feedback.List(targetType, targetID)
}

// newID generates a task id. Kept as a package-level var so tests can swap
// it for a deterministic sequence.
var newID = func() string {
	return uuid.NewString()
}
