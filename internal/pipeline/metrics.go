package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the pipeline increments on
// every request. Exposition format itself is out of scope (spec.md §1
// Non-goals).
type Metrics struct {
	Admissions    prometheus.Counter
	Rejections    *prometheus.CounterVec
	BreakerTrips  *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec
}

// NewMetrics registers the pipeline's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_admissions_total",
			Help: "Requests admitted by the rate limiter.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_rejected_total",
			Help: "Requests rejected, labeled by reason code.",
		}, []string{"code"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_trips_total",
			Help: "Circuit breaker state transitions to open, labeled by route.",
		}, []string{"route"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_backend_request_duration_seconds",
			Help:    "Backend dispatch latency, labeled by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
	}

	reg.MustRegister(m.Admissions, m.Rejections, m.BreakerTrips, m.BackendLatency)
	return m
}
