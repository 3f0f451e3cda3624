// Package observability holds the Prometheus instrumentation shared by the
// gateway and the background loops.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type marketplaceMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
	drift      *prometheus.GaugeVec
	deliveries *prometheus.CounterVec
}

var (
	marketplaceOnce     sync.Once
	marketplaceRegistry *marketplaceMetrics
)

// Metrics returns the lazily-initialised marketplace metrics registry.
func Metrics() *marketplaceMetrics {
	marketplaceOnce.Do(func() {
		marketplaceRegistry = &marketplaceMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "core",
				Name:      "operations_total",
				Help:      "Core service operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gigvault",
				Subsystem: "core",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for core service operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "store",
				Name:      "conflicts_total",
				Help:      "Store transaction conflicts segmented by operation.",
			}, []string{"operation"}),
			drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gigvault",
				Subsystem: "ledger",
				Name:      "reconciliation_mismatches",
				Help:      "Balance mismatches found by the last reconciliation sweep.",
			}, []string{"kind"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigvault",
				Subsystem: "outbox",
				Name:      "deliveries_total",
				Help:      "Outbox webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			marketplaceRegistry.operations,
			marketplaceRegistry.latency,
			marketplaceRegistry.conflicts,
			marketplaceRegistry.drift,
			marketplaceRegistry.deliveries,
		)
	})
	return marketplaceRegistry
}

// Observe records one core operation with its outcome code and duration.
func (m *marketplaceMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordConflict counts a store conflict hit by an operation, including ones
// later recovered by retry.
func (m *marketplaceMetrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

// SetDrift publishes the mismatch count of a reconciliation sweep.
func (m *marketplaceMetrics) SetDrift(kind string, count int) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(kind).Set(float64(count))
}

// RecordDelivery counts one webhook delivery attempt outcome.
func (m *marketplaceMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}
