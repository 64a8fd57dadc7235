package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachefront/cachefront/engine"
)

// Metrics holds the Prometheus collectors the decision engine's outcomes
// are recorded against. Callers register it with their own
// prometheus.Registerer rather than the global default, so a process that
// embeds more than one cache instance (or runs metrics-free tests) never
// fights over the default registry.
type Metrics struct {
	requests *prometheus.CounterVec
	ttl      prometheus.Histogram
}

// NewMetrics builds and registers a Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefront",
			Name:      "requests_total",
			Help:      "Cache requests by outcome status and forward reason.",
		}, []string{"status", "fwd_reason"}),
		ttl: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cachefront",
			Name:      "hit_ttl_seconds",
			Help:      "Remaining freshness lifetime, in seconds, of responses served as cache hits.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	reg.MustRegister(m.requests, m.ttl)
	return m
}

// Observe records one Execute outcome.
func (m *Metrics) Observe(attrs engine.Attrs) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(attrs.Status), attrs.FwdReason).Inc()
	if attrs.Status == engine.StatusHit {
		m.ttl.Observe(attrs.TTL.Seconds())
	}
}
