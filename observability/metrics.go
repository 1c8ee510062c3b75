// Package observability registers the service's Prometheus instrumentation.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	requests   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	operations *prometheus.CounterVec
	active     prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// EscrowMetrics returns the lazily-initialised metrics registry used to record
// RPC and escrow state-machine activity.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "htlc",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "htlc",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "htlc",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "htlc",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Escrow state transitions segmented by operation.",
			}, []string{"operation"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "htlc",
				Subsystem: "escrow",
				Name:      "active",
				Help:      "Escrows currently in the Active state.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.requests,
			escrowRegistry.errors,
			escrowRegistry.latency,
			escrowRegistry.operations,
			escrowRegistry.active,
		)
	})
	return escrowRegistry
}

// ObserveRequest records the outcome of an RPC request. The status code should
// be the HTTP status that was ultimately written to the response writer.
func (m *escrowMetrics) ObserveRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveOperation counts a committed escrow state transition.
func (m *escrowMetrics) ObserveOperation(operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
}

// SetActive tracks the current Active escrow count.
func (m *escrowMetrics) SetActive(count uint64) {
	if m == nil {
		return
	}
	m.active.Set(float64(count))
}
