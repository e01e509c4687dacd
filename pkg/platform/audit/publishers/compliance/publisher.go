// Package compliance provides the fail-closed audit log for consent transitions.
//
// Append writes synchronously and returns the chained record; if the write
// fails the calling operation MUST fail. Announce fans committed records out
// to mirrors (Kafka) on a best-effort basis after the caller has committed.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "consentd/pkg/platform/audit"
)

// Mirror receives committed audit records for downstream consumers.
type Mirror interface {
	Publish(ctx context.Context, records ...audit.Record) error
}

// Publisher is the append-only audit log.
type Publisher struct {
	store   audit.Store
	mirrors []Mirror
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithMirror adds a downstream mirror.
func WithMirror(m Mirror) Option {
	return func(p *Publisher) {
		if m != nil {
			p.mirrors = append(p.mirrors, m)
		}
	}
}

// New creates a compliance publisher backed by store.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: store,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Append synchronously chains and persists a record.
func (p *Publisher) Append(ctx context.Context, record audit.Record) (audit.Record, error) {
	start := time.Now()

	if record.ChainKey == "" {
		return audit.Record{}, fmt.Errorf("audit record requires ChainKey")
	}
	if record.Outcome == "" {
		return audit.Record{}, fmt.Errorf("audit record requires Outcome")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	stored, err := p.store.Append(ctx, record)
	if err != nil {
		p.metrics.incPersistFailures()
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "CRITICAL: consent audit append failed",
				"chain_key", record.ChainKey,
				"outcome", record.Outcome,
				"error", err,
			)
		}
		return audit.Record{}, fmt.Errorf("audit persistence failed: %w", err)
	}

	p.metrics.observePersist(time.Since(start).Seconds(), stored.Outcome)
	return stored, nil
}

// Announce forwards committed records to every mirror. Mirror failures are
// logged and counted, never returned: the store is the source of truth.
func (p *Publisher) Announce(ctx context.Context, records ...audit.Record) {
	if len(records) == 0 {
		return
	}
	for _, m := range p.mirrors {
		if err := m.Publish(ctx, records...); err != nil {
			p.metrics.incMirrorFailures()
			if p.logger != nil {
				p.logger.WarnContext(ctx, "audit mirror publish failed",
					"records", len(records),
					"error", err,
				)
			}
		}
	}
}

// Emit appends then announces. Use it outside of a transaction.
func (p *Publisher) Emit(ctx context.Context, record audit.Record) (audit.Record, error) {
	stored, err := p.Append(ctx, record)
	if err != nil {
		return audit.Record{}, err
	}
	p.Announce(ctx, stored)
	return stored, nil
}

// List returns one chain in append order.
func (p *Publisher) List(ctx context.Context, chainKey string) ([]audit.Record, error) {
	return p.store.ListByChain(ctx, chainKey)
}

// Close is a no-op for the synchronous publisher.
func (p *Publisher) Close() error {
	return nil
}

// Metrics tracks audit persistence.
type Metrics struct {
	persistDuration prometheus.Histogram
	persistFailures prometheus.Counter
	mirrorFailures  prometheus.Counter
	recorded        *prometheus.CounterVec
}

// NewMetrics registers audit metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		persistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentd_audit_persist_duration_seconds",
			Help:    "Latency of synchronous audit appends",
			Buckets: prometheus.DefBuckets,
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_audit_persist_failures_total",
			Help: "Audit appends that failed and aborted their operation",
		}),
		mirrorFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consentd_audit_mirror_failures_total",
			Help: "Committed audit records that could not be mirrored",
		}),
		recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentd_audit_records_total",
			Help: "Audit records appended by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observePersist(seconds float64, outcome audit.Outcome) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(seconds)
	m.recorded.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) incPersistFailures() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) incMirrorFailures() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}
