package resolve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelReason = "reason"
	LabelSource = "source"
)

var (
	metricResolveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipdispatch_resolve_failures_total",
			Help: "resolve_uri failures by reason (ehostunreach, enoprotoopt)",
		},
		[]string{LabelReason},
	)

	metricResolveDNSHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipdispatch_resolve_dns_hits_total",
			Help: "resolve_uri DNS lookups that produced at least one candidate, by source (srv, a)",
		},
		[]string{LabelSource},
	)
)

// Metrics bundles the resolve package's Prometheus instruments. A nil
// *Metrics passed to NewResolver falls back to the process-wide default
// instruments via NewMetrics(nil).
type Metrics struct {
	failures *prometheus.CounterVec
	dnsHits  *prometheus.CounterVec
}

// NewMetrics returns the resolve package's metric instruments. The
// registerer argument is accepted for symmetry with other constructors in
// this module but unused: instruments are registered once at package init
// via promauto, matching the rest of the module's metrics packages.
func NewMetrics(_ prometheus.Registerer) *Metrics {
	return &Metrics{failures: metricResolveFailures, dnsHits: metricResolveDNSHits}
}
