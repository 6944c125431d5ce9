package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for notification delivery
var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_notifications_enqueued_total",
		Help: "Total number of notifications enqueued",
	}, []string{"channel", "priority"})

	dedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearance_notifications_deduplicated_total",
		Help: "Total number of enqueue calls answered by an existing notification",
	})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_dispatch_attempts_total",
		Help: "Total number of provider calls by outcome",
	}, []string{"channel", "outcome"})

	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_notifications_failed_total",
		Help: "Total number of notifications that exhausted their attempts",
	}, []string{"channel"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clearance_dispatch_latency_seconds",
		Help:    "Provider call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_delivery_callbacks_total",
		Help: "Total number of delivery callbacks by event and result",
	}, []string{"event", "result"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clearance_provider_breaker_state",
		Help: "Provider circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"channel"})

	inflightDispatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clearance_dispatch_inflight",
		Help: "Current number of notifications being dispatched",
	})
)
