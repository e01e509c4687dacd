package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP holds request metrics shared by every router in the process.
type HTTP struct {
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
}

// NewHTTP creates and registers the HTTP metrics with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	f := promauto.With(reg)
	return &HTTP{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentd_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern, method and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "consentd_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		}),
	}
}

// ObserveRequest records one finished request.
func (m *HTTP) ObserveRequest(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, code).Observe(d.Seconds())
}
