// Package metric exposes Prometheus instrumentation for service
// dispatch and discovery traffic.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics contains all framework-level metrics (not domain-specific)
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DiscoveryQueries *prometheus.CounterVec
	ServiceStatus    *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all framework metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "micro",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Total number of requests dispatched to endpoint handlers",
			},
			[]string{"service", "endpoint", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "micro",
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Handler processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "endpoint"},
		),

		DiscoveryQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "micro",
				Subsystem: "discovery",
				Name:      "queries_total",
				Help:      "Total number of discovery queries answered, by verb",
			},
			[]string{"service", "verb"},
		),

		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "micro",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service lifecycle status (0=created, 1=started, 2=stopped)",
			},
			[]string{"service", "instance"},
		),
	}
}

// NewRegistry creates a Prometheus registry with the framework
// metrics plus Go runtime collectors registered.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics()
	registry.MustRegister(
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.DiscoveryQueries,
		metrics.ServiceStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, metrics
}

// RecordRequest accounts for one dispatched request
func (m *Metrics) RecordRequest(service, endpoint string, failed bool, elapsed time.Duration) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(service, endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(service, endpoint).Observe(elapsed.Seconds())
}

// RecordDiscovery increments the discovery query counter
func (m *Metrics) RecordDiscovery(service, verb string) {
	m.DiscoveryQueries.WithLabelValues(service, verb).Inc()
}

// SetServiceStatus updates the lifecycle status gauge
func (m *Metrics) SetServiceStatus(service, instance, status string) {
	var value float64
	switch status {
	case "started":
		value = 1
	case "stopped":
		value = 2
	}
	m.ServiceStatus.WithLabelValues(service, instance).Set(value)
}
