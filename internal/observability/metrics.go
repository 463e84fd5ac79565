// Package observability holds the Prometheus metrics for the sandbox
// engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Container lifecycle metrics.
	LifecycleTransitionsTotal *prometheus.CounterVec
	ProvisioningDuration      prometheus.Histogram

	// Command execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Background process metrics.
	BackgroundProcessesActive prometheus.Gauge
	BackgroundStartsTotal     *prometheus.CounterVec
	LogBytesWritten           *prometheus.CounterVec

	// Validator metrics.
	ValidationsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LifecycleTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "container",
			Name:      "lifecycle_transitions_total",
			Help:      "Total container lifecycle state transitions.",
		}, []string{"from", "to"}),

		ProvisioningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "container",
			Name:      "provisioning_duration_seconds",
			Help:      "Duration of container provisioning (binary install + rootfs extraction).",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total confined command executions.",
		}, []string{"mode", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "execution_duration_seconds",
			Help:      "Confined command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"mode"}),

		BackgroundProcessesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "background_processes_active",
			Help:      "Background processes currently in running status.",
		}),

		BackgroundStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "background_starts_total",
			Help:      "Total background process start attempts.",
		}, []string{"status"}),

		LogBytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "supervisor",
			Name:      "log_bytes_written_total",
			Help:      "Bytes written to background process log files.",
		}, []string{"stream"}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "security",
			Name:      "validations_total",
			Help:      "Total command validations performed.",
		}, []string{"mode", "result"}),
	}

	reg.MustRegister(
		m.LifecycleTransitionsTotal,
		m.ProvisioningDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.BackgroundProcessesActive,
		m.BackgroundStartsTotal,
		m.LogBytesWritten,
		m.ValidationsTotal,
	)

	return m
}
