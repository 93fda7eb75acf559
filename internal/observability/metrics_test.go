package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics builds a Metrics struct with unregistered vectors, so tests
// can run repeatedly without colliding on Prometheus's default registry.
func newTestMetrics() *Metrics {
	return &Metrics{
		TaskCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_tasks_total", Help: "h"},
			[]string{"action", "status"},
		),
		TaskExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_autonomy_task_execution_duration_seconds", Help: "h", Buckets: []float64{0.1, 1, 10}},
			[]string{"action"},
		),
		TaskRetryCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_task_retries_total", Help: "h"},
			[]string{"action"},
		),
		ReadyQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "test_autonomy_ready_queue_depth", Help: "h"},
		),
		ExecutorPoolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "test_autonomy_executor_pool_in_use", Help: "h"},
		),
		GateDecisionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_gate_decisions_total", Help: "h"},
			[]string{"level", "decision"},
		),
		ScheduleFireCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_schedule_fires_total", Help: "h"},
			[]string{"kind"},
		),
		FeedbackCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_feedback_entries_total", Help: "h"},
			[]string{"category", "kind"},
		),
		FeedbackRating: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_autonomy_feedback_rating", Help: "h", Buckets: []float64{0, 1, 2, 3, 4, 5}},
			[]string{"category"},
		),
		PersistenceErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_autonomy_persistence_errors_total", Help: "h"},
			[]string{"component"},
		),
	}
}

func TestTaskDispatchedAndFinished(t *testing.T) {
	m := newTestMetrics()

	m.TaskDispatched("send_email")
	if got := testutil.ToFloat64(m.ExecutorPoolInUse); got != 1 {
		t.Errorf("ExecutorPoolInUse after dispatch = %v, want 1", got)
	}

	m.TaskFinished("send_email", "completed", 1.5)
	if got := testutil.ToFloat64(m.ExecutorPoolInUse); got != 0 {
		t.Errorf("ExecutorPoolInUse after finish = %v, want 0", got)
	}

	expected := `
		# HELP test_autonomy_tasks_total h
		# TYPE test_autonomy_tasks_total counter
		test_autonomy_tasks_total{action="send_email",status="completed"} 1
	`
	if err := testutil.CollectAndCompare(m.TaskCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected TaskCounter value: %v", err)
	}
}

func TestTaskRetried(t *testing.T) {
	m := newTestMetrics()
	m.TaskRetried("flaky")
	m.TaskRetried("flaky")

	expected := `
		# HELP test_autonomy_task_retries_total h
		# TYPE test_autonomy_task_retries_total counter
		test_autonomy_task_retries_total{action="flaky"} 2
	`
	if err := testutil.CollectAndCompare(m.TaskRetryCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected TaskRetryCounter value: %v", err)
	}
}

func TestSetReadyQueueDepth(t *testing.T) {
	m := newTestMetrics()
	m.SetReadyQueueDepth(7)
	if got := testutil.ToFloat64(m.ReadyQueueDepth); got != 7 {
		t.Errorf("ReadyQueueDepth = %v, want 7", got)
	}
}

func TestRecordGateDecision(t *testing.T) {
	m := newTestMetrics()
	m.RecordGateDecision("supervised", "approved")
	m.RecordGateDecision("supervised", "approved")
	m.RecordGateDecision("assisted", "denied")

	if count := testutil.CollectAndCount(m.GateDecisionCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordScheduleFire(t *testing.T) {
	m := newTestMetrics()
	m.RecordScheduleFire("daily")
	m.RecordScheduleFire("daily")
	m.RecordScheduleFire("cron")

	expected := `
		# HELP test_autonomy_schedule_fires_total h
		# TYPE test_autonomy_schedule_fires_total counter
		test_autonomy_schedule_fires_total{kind="cron"} 1
		test_autonomy_schedule_fires_total{kind="daily"} 2
	`
	if err := testutil.CollectAndCompare(m.ScheduleFireCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected ScheduleFireCounter value: %v", err)
	}
}

func TestRecordFeedback(t *testing.T) {
	m := newTestMetrics()
	m.RecordFeedback("response_quality", "rating", 4.0, true)
	m.RecordFeedback("tool_usage", "like", 0, false)

	if count := testutil.CollectAndCount(m.FeedbackCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(m.FeedbackRating); count != 1 {
		t.Errorf("expected only the rated category to have a histogram series, got %d", count)
	}
}

func TestRecordPersistenceError(t *testing.T) {
	m := newTestMetrics()
	m.RecordPersistenceError("task_store")
	m.RecordPersistenceError("task_store")
	m.RecordPersistenceError("calendar")

	if count := testutil.CollectAndCount(m.PersistenceErrorCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestConcurrentMetricRecording(t *testing.T) {
	m := newTestMetrics()
	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			m.TaskRetried("a")
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()
	go func() {
		for i := 0; i < iterations; i++ {
			m.TaskRetried("b")
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()
	<-done
	<-done

	if testutil.CollectAndCount(m.TaskRetryCounter) != 2 {
		t.Error("expected concurrent metric recording to produce both label series")
	}
}
