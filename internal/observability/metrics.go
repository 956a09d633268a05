package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	rpcRequestsTotal *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	idempotencyTotal *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	transcriptAppends   prometheus.Counter
	transcriptWriteTime prometheus.Histogram
	memorySearchTime    prometheus.Histogram
	memoryFlushTotal    *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	policyDenialsTotal    *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	activeRuns       prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_rpc_requests_total",
					Help: "Total RPC requests by method and outcome code.",
				},
				[]string{"method", "code"},
			),
			rpcDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgw_rpc_duration_seconds",
					Help:    "RPC handling duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			idempotencyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_idempotency_total",
					Help: "Idempotency lookups by method and result (miss, replay, conflict).",
				},
				[]string{"method", "result"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentgw_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_dequeue_total",
					Help: "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgw_task_duration_seconds",
					Help:    "Queued task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgw_active_sessions",
					Help: "Sessions with a transcript on disk.",
				},
			),
			transcriptAppends: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgw_transcript_appends_total",
					Help: "Total transcript entries appended.",
				},
			),
			transcriptWriteTime: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentgw_transcript_write_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memorySearchTime: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentgw_memory_search_duration_seconds",
					Help:    "Memory note search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryFlushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_memory_flush_total",
					Help: "Pre-compaction memory flushes by final state.",
				},
				[]string{"state"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgw_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			policyDenialsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_policy_denials_total",
					Help: "Tool invocations denied by policy, by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgw_agent_run_total",
					Help: "Total agent runs by mode and terminal status.",
				},
				[]string{"mode", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgw_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgw_active_runs",
					Help: "Runs currently registered for abort.",
				},
			),
		}

		prometheus.MustRegister(
			m.rpcRequestsTotal,
			m.rpcDuration,
			m.idempotencyTotal,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.transcriptAppends,
			m.transcriptWriteTime,
			m.memorySearchTime,
			m.memoryFlushTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.policyDenialsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.activeRuns,
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

func RecordRPC(method, code string, duration time.Duration) {
	m := getMetrics()
	if code == "" {
		code = "ok"
	}
	m.rpcRequestsTotal.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordIdempotency(method, result string) {
	getMetrics().idempotencyTotal.WithLabelValues(method, result).Inc()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordTranscriptAppend(duration time.Duration) {
	m := getMetrics()
	m.transcriptAppends.Inc()
	m.transcriptWriteTime.Observe(duration.Seconds())
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchTime.Observe(duration.Seconds())
}

func RecordMemoryFlush(state string) {
	getMetrics().memoryFlushTotal.WithLabelValues(state).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordPolicyDenial(tool string) {
	getMetrics().policyDenialsTotal.WithLabelValues(tool).Inc()
}

func RecordAgentRun(mode, status string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(mode, status).Inc()
	m.agentRunDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
