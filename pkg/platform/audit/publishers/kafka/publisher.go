// Package kafka mirrors committed audit records to a Kafka topic so that
// compliance consumers can follow consent transitions without polling the store.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/circuit"
)

// ErrCircuitOpen is returned while the broker is considered down.
var ErrCircuitOpen = errors.New("kafka audit mirror circuit open")

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes audit records keyed by chain key, so all records of one
// artifact land on one partition in append order.
type Publisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	breaker  *circuit.Breaker
}

type Option func(*Publisher)

// WithBreaker skips produce calls while b is open, so an unreachable broker
// does not add the produce timeout to every committed transition.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.breaker = b
	}
}

// New creates a Kafka audit mirror.
func New(producer Producer, topic string, timeout time.Duration, opts ...Option) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Publisher{producer: producer, topic: topic, timeout: timeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// message is the JSON structure published to Kafka.
type message struct {
	ID                  string `json:"id"`
	ChainKey            string `json:"chainKey"`
	Sequence            int64  `json:"sequence"`
	ArtifactID          string `json:"artifactId,omitempty"`
	ConsentRequestID    string `json:"consentRequestId,omitempty"`
	FromStatus          string `json:"fromStatus,omitempty"`
	ToStatus            string `json:"toStatus,omitempty"`
	EventType           string `json:"eventType,omitempty"`
	Source              string `json:"source"`
	SourceEvent         []byte `json:"sourceEvent,omitempty"`
	VerifiedSignatureOK bool   `json:"verifiedSignatureOk"`
	Outcome             string `json:"outcome"`
	Reason              string `json:"reason,omitempty"`
	RequestID           string `json:"requestId,omitempty"`
	Timestamp           string `json:"timestamp"`
	HashPrev            string `json:"hashPrev"`
	HashCurr            string `json:"hashCurr"`
}

// Publish produces records synchronously and returns the first failure.
func (p *Publisher) Publish(ctx context.Context, records ...audit.Record) error {
	if p.breaker != nil && !p.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := p.produce(ctx, records)
	if p.breaker != nil {
		if err != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}
	return err
}

func (p *Publisher) produce(ctx context.Context, records []audit.Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	batch := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(toMessage(r))
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		batch = append(batch, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(r.ChainKey),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "outcome", Value: []byte(r.Outcome)},
			},
		})
	}
	if err := p.producer.ProduceSync(ctx, batch...).FirstErr(); err != nil {
		return fmt.Errorf("produce audit records: %w", err)
	}
	return nil
}

func toMessage(r audit.Record) message {
	return message{
		ID:                  r.ID,
		ChainKey:            r.ChainKey,
		Sequence:            r.Sequence,
		ArtifactID:          r.ArtifactID,
		ConsentRequestID:    r.ConsentRequestID,
		FromStatus:          r.FromStatus,
		ToStatus:            r.ToStatus,
		EventType:           r.EventType,
		Source:              string(r.Source),
		SourceEvent:         r.SourceEvent,
		VerifiedSignatureOK: r.VerifiedSignatureOK,
		Outcome:             string(r.Outcome),
		Reason:              r.Reason,
		RequestID:           r.RequestID,
		Timestamp:           r.Timestamp.UTC().Format(time.RFC3339Nano),
		HashPrev:            r.HashPrev,
		HashCurr:            r.HashCurr,
	}
}
