package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	audit "consentd/pkg/platform/audit"
)

// ErrQueueFull is returned when the mirror queue cannot take another batch.
var ErrQueueFull = errors.New("audit mirror queue full")

// QueuedMirror hands batches to a background worker so that mirroring never
// adds broker latency to the request that committed them. Batches that do
// not fit are dropped and reported; the audit store remains authoritative.
type QueuedMirror struct {
	next         Mirror
	inbox        chan []audit.Record
	logger       *slog.Logger
	drainTimeout time.Duration
}

func NewQueuedMirror(next Mirror, size int, logger *slog.Logger) *QueuedMirror {
	if size <= 0 {
		size = 1024
	}
	return &QueuedMirror{
		next:         next,
		inbox:        make(chan []audit.Record, size),
		logger:       logger,
		drainTimeout: 5 * time.Second,
	}
}

// Publish enqueues a copy of records without blocking.
func (q *QueuedMirror) Publish(_ context.Context, records ...audit.Record) error {
	batch := append([]audit.Record(nil), records...)
	select {
	case q.inbox <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run forwards queued batches until ctx is done, then drains what is left
// within the drain timeout.
func (q *QueuedMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return nil
		case batch := <-q.inbox:
			q.forward(ctx, batch)
		}
	}
}

func (q *QueuedMirror) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, q.drainTimeout)
	defer cancel()
	for {
		select {
		case batch := <-q.inbox:
			q.forward(ctx, batch)
		default:
			return
		}
		if ctx.Err() != nil {
			if n := len(q.inbox); n > 0 && q.logger != nil {
				q.logger.Warn("audit mirror queue not drained before shutdown", "batches", n)
			}
			return
		}
	}
}

func (q *QueuedMirror) forward(ctx context.Context, batch []audit.Record) {
	if err := q.next.Publish(ctx, batch...); err != nil && q.logger != nil {
		q.logger.WarnContext(ctx, "audit mirror publish failed",
			"records", len(batch),
			"error", err,
		)
	}
}
