package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting autonomy core
// metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Task lifecycle transitions and dispatch/retry/completion latency
//   - Executor pool saturation
//   - Policy gate decisions by autonomy level
//   - Schedule fires
//   - Feedback entries by category and sentiment
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TaskDispatched("send_email")
//	defer metrics.TaskExecutionDuration("send_email").Observe(time.Since(start).Seconds())
type Metrics struct {
	// TaskCounter tracks tasks by action and terminal status.
	// Labels: action, status (completed|failed|cancelled)
	TaskCounter *prometheus.CounterVec

	// TaskExecutionDuration measures task run time in seconds, from dispatch
	// to outcome.
	// Labels: action
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	TaskExecutionDuration *prometheus.HistogramVec

	// TaskRetryCounter counts retry attempts by action.
	// Labels: action
	TaskRetryCounter *prometheus.CounterVec

	// ReadyQueueDepth is a gauge of tasks currently waiting in the ready
	// queue.
	ReadyQueueDepth prometheus.Gauge

	// ExecutorPoolInUse is a gauge of executor pool slots currently
	// occupied.
	ExecutorPoolInUse prometheus.Gauge

	// GateDecisionCounter counts policy gate decisions.
	// Labels: level (disabled|supervised|assisted|full), decision
	// (approved|denied)
	GateDecisionCounter *prometheus.CounterVec

	// ScheduleFireCounter counts schedule fires by kind.
	// Labels: kind (once|interval|daily|weekly|monthly|cron)
	ScheduleFireCounter *prometheus.CounterVec

	// FeedbackCounter counts feedback entries.
	// Labels: category (response_quality|reasoning_quality|hallucination|
	// tool_usage|task_completion|performance), kind (like|dislike|rating|...)
	FeedbackCounter *prometheus.CounterVec

	// FeedbackRating observes numeric rating values.
	// Labels: category
	FeedbackRating *prometheus.HistogramVec

	// PersistenceErrorCounter counts snapshot persistence failures.
	// Labels: component (task_store|calendar|feedback)
	PersistenceErrorCounter *prometheus.CounterVec

	// FeedbackDerivedMetric is a gauge of the most recently computed
	// per-category derived rate (success rate, high-quality percentage,
	// hallucination detection rate, and the like) — a live read surface over
	// the same counters the feedback sink folds on every Append.
	// Labels: category, metric
	FeedbackDerivedMetric *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP
// handler.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_tasks_total",
				Help: "Total number of tasks reaching a terminal status, by action and status",
			},
			[]string{"action", "status"},
		),

		TaskExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autonomy_task_execution_duration_seconds",
				Help:    "Duration of task execution from dispatch to outcome",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"action"},
		),

		TaskRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_task_retries_total",
				Help: "Total number of task retry attempts by action",
			},
			[]string{"action"},
		),

		ReadyQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autonomy_ready_queue_depth",
				Help: "Current number of tasks waiting in the ready queue",
			},
		),

		ExecutorPoolInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autonomy_executor_pool_in_use",
				Help: "Current number of occupied executor pool slots",
			},
		),

		GateDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_gate_decisions_total",
				Help: "Total number of policy gate decisions by autonomy level and outcome",
			},
			[]string{"level", "decision"},
		),

		ScheduleFireCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_schedule_fires_total",
				Help: "Total number of schedule fires by kind",
			},
			[]string{"kind"},
		),

		FeedbackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_feedback_entries_total",
				Help: "Total number of feedback entries by category and kind",
			},
			[]string{"category", "kind"},
		),

		FeedbackRating: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autonomy_feedback_rating",
				Help:    "Distribution of numeric feedback ratings by category",
				Buckets: []float64{0, 1, 2, 3, 4, 5},
			},
			[]string{"category"},
		),

		PersistenceErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autonomy_persistence_errors_total",
				Help: "Total number of snapshot persistence failures by component",
			},
			[]string{"component"},
		),

		FeedbackDerivedMetric: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autonomy_feedback_derived_metric",
				Help: "Most recently computed derived feedback rate, by category and metric name",
			},
			[]string{"category", "metric"},
		),
	}
}

// TaskDispatched records a task leaving the ready queue for execution.
func (m *Metrics) TaskDispatched(action string) {
	m.ExecutorPoolInUse.Inc()
}

// TaskFinished records a task reaching a terminal status and its total
// execution duration.
//
// Example:
//
//	start := time.Now()
//	// ... run task ...
//	metrics.TaskFinished("send_email", "completed", time.Since(start).Seconds())
func (m *Metrics) TaskFinished(action, status string, durationSeconds float64) {
	m.TaskCounter.WithLabelValues(action, status).Inc()
	m.TaskExecutionDuration.WithLabelValues(action).Observe(durationSeconds)
	m.ExecutorPoolInUse.Dec()
}

// TaskRetried records a task being re-enqueued after a failed attempt.
func (m *Metrics) TaskRetried(action string) {
	m.TaskRetryCounter.WithLabelValues(action).Inc()
}

// SetReadyQueueDepth sets the current ready queue depth.
func (m *Metrics) SetReadyQueueDepth(depth int) {
	m.ReadyQueueDepth.Set(float64(depth))
}

// RecordGateDecision records a policy gate approval or denial.
//
// Example:
//
//	metrics.RecordGateDecision("supervised", "approved")
func (m *Metrics) RecordGateDecision(level, decision string) {
	m.GateDecisionCounter.WithLabelValues(level, decision).Inc()
}

// RecordScheduleFire records a schedule firing.
//
// Example:
//
//	metrics.RecordScheduleFire("daily")
func (m *Metrics) RecordScheduleFire(kind string) {
	m.ScheduleFireCounter.WithLabelValues(kind).Inc()
}

// RecordFeedback records a feedback entry being appended, and its rating
// value if present.
//
// Example:
//
//	metrics.RecordFeedback("response_quality", "rating", 4.0, true)
func (m *Metrics) RecordFeedback(category, kind string, rating float64, hasRating bool) {
	m.FeedbackCounter.WithLabelValues(category, kind).Inc()
	if hasRating {
		m.FeedbackRating.WithLabelValues(category).Observe(rating)
	}
}

// RecordDerivedFeedbackMetric publishes a derived feedback rate (e.g.
// "success_rate", "high_quality_percentage") computed by the feedback sink
// for one category.
//
// Example:
//
//	metrics.RecordDerivedFeedbackMetric("task_completion", "success_rate", 92.5)
func (m *Metrics) RecordDerivedFeedbackMetric(category, metric string, value float64) {
	m.FeedbackDerivedMetric.WithLabelValues(category, metric).Set(value)
}

// RecordPersistenceError records a snapshot write/load failure.
//
// Example:
//
//	metrics.RecordPersistenceError("task_store")
func (m *Metrics) RecordPersistenceError(component string) {
	m.PersistenceErrorCounter.WithLabelValues(component).Inc()
}
