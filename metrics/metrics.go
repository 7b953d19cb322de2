// Package metrics defines the relay's Prometheus instruments and the
// standalone server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric this module exports.
const Namespace = "tezit_relay"

// Label values for DeliveryAttempts.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultExpired   = "expired"
)

// Label values for InboundBundles.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// Metrics holds the relay's domain instruments: outbound delivery outcomes
// and latency, queue intake, and inbound bundle outcomes.
type Metrics struct {
	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	OutboxEnqueued   prometheus.Counter
	InboundBundles   *prometheus.CounterVec
}

// NewMetrics creates and registers the relay instruments. A nil registry
// falls back to the default registerer; tests pass their own registry so
// repeated construction never collides.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		DeliveryAttempts: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound delivery attempts by result",
		}, []string{"result"}),
		DeliveryDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbound delivery requests",
			Buckets:   prometheus.DefBuckets,
		}),
		OutboxEnqueued: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Bundles accepted into the delivery outbox",
		}),
		InboundBundles: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "inbound_bundles_total",
			Help:      "Inbound federation bundles by outcome",
		}, []string{"outcome"}),
	}
}
