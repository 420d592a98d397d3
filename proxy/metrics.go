package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelReason    = "reason"
	LabelDirection = "direction"
)

var (
	metricForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipdispatch_proxy_forwarded_total",
			Help: "Count of packets the stateless-proxy forwarder handed to the dispatcher, by direction (request, response)",
		},
		[]string{LabelDirection},
	)

	metricDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipdispatch_proxy_dropped_total",
			Help: "Count of packets the stateless-proxy forwarder dropped, by reason",
		},
		[]string{LabelReason},
	)
)

// Metrics bundles the proxy package's Prometheus instruments.
type Metrics struct{}

// NewMetrics returns the proxy package's metric instruments; accepted for
// symmetry with other constructors, instruments are process-wide via
// promauto.
func NewMetrics(_ prometheus.Registerer) *Metrics {
	return &Metrics{}
}

func (m *Metrics) forwarded(direction string) {
	metricForwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) dropped(reason string) {
	metricDropped.WithLabelValues(reason).Inc()
}
