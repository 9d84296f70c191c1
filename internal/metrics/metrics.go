// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	// Coordinator
	ComputationsEnqueued   *prometheus.CounterVec
	ComputationsDispatched *prometheus.CounterVec
	ComputationsCompleted  *prometheus.CounterVec
	CallbacksIgnored       prometheus.Counter
	CallbackLatency        *prometheus.HistogramVec
	PendingComputations    prometheus.Gauge

	// Markets
	RevealsRateLimited *prometheus.CounterVec
	TokensMoved        *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// New creates and registers the collectors. It returns the same instance on
// every call.
func New() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			ComputationsEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "computations_enqueued_total",
					Help:      "Confidential computations enqueued",
				},
				[]string{"kind"},
			),
			ComputationsDispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "computations_dispatched_total",
					Help:      "Confidential computations handed to the cluster",
				},
				[]string{"kind"},
			),
			ComputationsCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "computations_completed_total",
					Help:      "Computations whose callback completed, by disposition and reason",
				},
				[]string{"kind", "disposition", "reason"},
			),
			CallbacksIgnored: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "callbacks_ignored_total",
					Help:      "Results received for unknown or already completed requests",
				},
			),
			CallbackLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "enqueue_to_commit_seconds",
					Help:      "Time from enqueue to callback completion",
					Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
				},
				[]string{"kind"},
			),
			PendingComputations: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "arxpredict",
					Subsystem: "coordinator",
					Name:      "pending_computations",
					Help:      "Computations awaiting their callback",
				},
			),
			RevealsRateLimited: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "market",
					Name:      "reveals_rate_limited_total",
					Help:      "Probability reveals rejected for arriving inside the minimum interval",
				},
				[]string{"market_id"},
			),
			TokensMoved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "ledger",
					Name:      "tokens_moved_total",
					Help:      "Token base units moved by committed operations",
				},
				[]string{"operation"},
			),
			HTTPRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "arxpredict",
					Subsystem: "http",
					Name:      "requests_total",
					Help:      "HTTP requests by route pattern and status code",
				},
				[]string{"pattern", "code"},
			),
		}
	})
	return metrics
}
