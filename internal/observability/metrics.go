package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ranya_agent"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec
	taskTotal    *prometheus.CounterVec

	failoverAttempts *prometheus.CounterVec
	profileCooldown  *prometheus.GaugeVec
	modelCallSeconds *prometheus.HistogramVec

	compactionTotal   *prometheus.CounterVec
	compactedMessages prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration prometheus.Histogram

	hookFailures *prometheus.CounterVec

	storeDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Pending turns per conversation lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Queued task duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_tasks_total",
					Help:      "Completed queue tasks by status.",
				},
				[]string{"status"},
			),
			failoverAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "failover_attempts_total",
					Help:      "Failed or skipped profile attempts by profile and reason.",
				},
				[]string{"profile", "reason"},
			),
			profileCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "profile_cooldown_active",
					Help:      "Profile cooldown state (1 cooling down, 0 available).",
				},
				[]string{"profile"},
			),
			modelCallSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model call duration by serving profile and outcome.",
					Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
				},
				[]string{"profile", "status"},
			),
			compactionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "compaction_total",
					Help:      "Compactions by tier and summary source.",
				},
				[]string{"tier", "source"},
			),
			compactedMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "compacted_messages_total",
					Help:      "Messages folded into summaries.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Agent runs by terminal state.",
				},
				[]string{"state"},
			),
			agentRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			hookFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hook_failures_total",
					Help:      "Hook failures by event.",
				},
				[]string{"event"},
			),
			storeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_operation_duration_seconds",
					Help:      "Conversation store operation duration by backend and operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend", "op"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.taskDuration,
			m.taskTotal,
			m.failoverAttempts,
			m.profileCooldown,
			m.modelCallSeconds,
			m.compactionTotal,
			m.compactedMessages,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.hookFailures,
			m.storeDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

func RecordQueueCompletion(duration time.Duration, success bool) {
	m := getMetrics()
	status := statusLabel(success)
	m.taskTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordFailoverAttempt(profile, reason string) {
	getMetrics().failoverAttempts.WithLabelValues(profile, reason).Inc()
}

func SetProfileCooldown(profile string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().profileCooldown.WithLabelValues(profile).Set(value)
}

func RecordModelCall(profile string, duration time.Duration, success bool) {
	getMetrics().modelCallSeconds.WithLabelValues(profile, statusLabel(success)).Observe(duration.Seconds())
}

// RecordCompaction counts one compaction. source is "model" or "fallback".
func RecordCompaction(tier, source string, compacted int) {
	m := getMetrics()
	m.compactionTotal.WithLabelValues(tier, source).Inc()
	m.compactedMessages.Add(float64(compacted))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAgentRun(state string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(state).Inc()
	m.agentRunDuration.Observe(duration.Seconds())
}

func RecordHookFailure(event string) {
	getMetrics().hookFailures.WithLabelValues(event).Inc()
}

func RecordStoreOperation(backend, op string, duration time.Duration) {
	getMetrics().storeDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}
