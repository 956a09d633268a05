package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a remote runner process.
// It uses a private registry so a runner embedded in tests never collides with the gateway's.
type Metrics struct {
	registry *prometheus.Registry

	// Execute endpoint
	ExecuteRequestsTotal *prometheus.CounterVec
	ExecuteDuration      *prometheus.HistogramVec
	ExecuteInFlight      prometheus.Gauge
	UpdatesStreamedTotal prometheus.Counter

	// Auth
	AuthFailuresTotal prometheus.Counter

	// Host usage as reported by /health
	HostCPUPercent    prometheus.Gauge
	HostMemoryPercent prometheus.Gauge
	HostDiskPercent   prometheus.Gauge
}

// NewMetrics creates and registers all runner metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ExecuteRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_execute_requests_total",
				Help: "Total number of /execute requests",
			},
			[]string{"tool_name", "status"},
		),
		ExecuteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_execute_duration_seconds",
				Help:    "Duration of tool executions served by the runner",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ExecuteInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_execute_in_flight",
				Help: "Number of tool executions in progress",
			},
		),
		UpdatesStreamedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_updates_total",
				Help: "Total number of partial output updates buffered for callers",
			},
		),

		AuthFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_auth_failures_total",
				Help: "Total number of rejected bearer tokens",
			},
		),

		HostCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_host_cpu_percent",
				Help: "Host CPU usage at the last health probe",
			},
		),
		HostMemoryPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_host_memory_percent",
				Help: "Host memory usage at the last health probe",
			},
		),
		HostDiskPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_host_disk_percent",
				Help: "Disk usage of the runner root at the last health probe",
			},
		),
	}

	m.registerMetrics()

	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ExecuteRequestsTotal)
	m.registry.MustRegister(m.ExecuteDuration)
	m.registry.MustRegister(m.ExecuteInFlight)
	m.registry.MustRegister(m.UpdatesStreamedTotal)
	m.registry.MustRegister(m.AuthFailuresTotal)
	m.registry.MustRegister(m.HostCPUPercent)
	m.registry.MustRegister(m.HostMemoryPercent)
	m.registry.MustRegister(m.HostDiskPercent)
}

// ObserveExecute records one finished /execute call
func (m *Metrics) ObserveExecute(tool string, ok bool, seconds float64, updates int) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ExecuteRequestsTotal.WithLabelValues(tool, status).Inc()
	m.ExecuteDuration.WithLabelValues(tool).Observe(seconds)
	m.UpdatesStreamedTotal.Add(float64(updates))
}

// SetHostUsage publishes the latest usage snapshot
func (m *Metrics) SetHostUsage(cpu, mem, disk float64) {
	m.HostCPUPercent.Set(cpu)
	m.HostMemoryPercent.Set(mem)
	m.HostDiskPercent.Set(disk)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
