package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the consent lifecycle. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Transition attempts by event, outcome and reason
	Transitions *prometheus.CounterVec

	// Version conflicts retried inside ApplyTransition
	VersionConflicts prometheus.Counter

	// Latency of ApplyTransition including retries
	TransitionLatency prometheus.Histogram

	// Webhook responses by HTTP status
	WebhookResponses *prometheus.CounterVec

	// Callbacks whose signature did not verify
	SignatureFailures prometheus.Counter

	SweepDuration prometheus.Histogram
	SweepExpired  prometheus.Counter
	SweepSkipped  prometheus.Counter
}

// New registers the consent metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_transitions_total",
			Help: "Consent transition attempts by event type, outcome and reason",
		}, []string{"event", "outcome", "reason"}),

		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_version_conflicts_total",
			Help: "Optimistic concurrency conflicts retried by the tracker",
		}),

		TransitionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentd_transition_duration_seconds",
			Help:    "Duration of ApplyTransition including conflict retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		WebhookResponses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_webhook_responses_total",
			Help: "Gateway callback responses by HTTP status code",
		}, []string{"code"}),

		SignatureFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_webhook_signature_failures_total",
			Help: "Gateway callbacks rejected because the signature did not verify",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentd_expiry_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_expiry_sweep_expired_total",
			Help: "Artifacts moved to EXPIRED by the sweep",
		}),

		SweepSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_expiry_sweep_skipped_total",
			Help: "Sweep ticks skipped because another replica held the lease",
		}),
	}
}

func (m *Metrics) IncTransition(event, outcome, reason string) {
	if m != nil {
		m.Transitions.WithLabelValues(event, outcome, reason).Inc()
	}
}

func (m *Metrics) IncVersionConflict() {
	if m != nil {
		m.VersionConflicts.Inc()
	}
}

func (m *Metrics) ObserveTransition(d time.Duration) {
	if m != nil {
		m.TransitionLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncWebhookResponse(code string) {
	if m != nil {
		m.WebhookResponses.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) IncSignatureFailure() {
	if m != nil {
		m.SignatureFailures.Inc()
	}
}

func (m *Metrics) ObserveSweep(d time.Duration, expired int) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
		m.SweepExpired.Add(float64(expired))
	}
}

func (m *Metrics) IncSweepSkipped() {
	if m != nil {
		m.SweepSkipped.Inc()
	}
}
