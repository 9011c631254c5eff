// Package metrics provides the proxy's Prometheus registry and
// OpenTelemetry tracer/meter setup: the same promauto-registered-vectors-
// under-a-fixed-namespace shape used elsewhere for HTTP request/policy
// counters, here generalized to provider/endpoint fleet gauges and
// tool-call counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the fixed Prometheus metric namespace.
const namespace = "xzproxy"

// Metrics holds every Prometheus instrument the proxy records, created
// once at startup and shared by every component that needs to record
// one.
type Metrics struct {
	ConnectedProviders prometheus.Gauge
	ConnectedEndpoints prometheus.Gauge
	AggregateToolCount prometheus.Gauge
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers every instrument with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectedProviders: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_connected",
			Help:      "Number of downstream providers currently connected.",
		}),
		ConnectedEndpoints: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_connected",
			Help:      "Number of upstream endpoints currently connected.",
		}),
		AggregateToolCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tools_aggregate",
			Help:      "Number of enabled tools in the aggregate catalog.",
		}),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tools/call dispatches, by provider and outcome.",
			},
			[]string{"provider", "status"}, // status = ok|error
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "tools/call dispatch duration in seconds, by provider.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}
