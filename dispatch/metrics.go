package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelOutcome = "outcome"
	LabelReason  = "reason"
)

var (
	metricQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sipdispatch_queue_depth",
			Help: "Current number of in-flight QueueEntry objects",
		},
	)

	metricDeliverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipdispatch_deliver_attempts_total",
			Help: "Delivery attempts by outcome (sent, error, resolve_error)",
		},
		[]string{LabelOutcome},
	)

	metricRetransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipdispatch_retransmits_total",
			Help: "Count of retransmit-triggered resends",
		},
	)

	metricTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipdispatch_timeouts_total",
			Help: "Count of queue entries that exhausted their retransmit schedule",
		},
	)

	metricCancellations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipdispatch_cancellations_total",
			Help: "Count of cancel_delivery calls that removed at least one entry",
		},
	)

	metricCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sipdispatch_response_cache_hits_total",
			Help: "Count of receive() calls satisfied from the response cache",
		},
	)
)

// Metrics bundles the dispatch package's Prometheus instruments.
type Metrics struct{}

// NewMetrics returns the dispatch package's metric instruments; accepted
// for symmetry with other constructors, instruments are process-wide via
// promauto.
func NewMetrics(_ prometheus.Registerer) *Metrics {
	return &Metrics{}
}

// deliverAttempt records one deliver-completion outcome.
func (m *Metrics) deliverAttempt(outcome string) {
	metricDeliverAttempts.WithLabelValues(outcome).Inc()
}
