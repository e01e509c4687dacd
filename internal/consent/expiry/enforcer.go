// Package expiry moves overdue grants to EXPIRED through the same audited
// transition path the gateway uses.
package expiry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"consentd/internal/consent/metrics"
	"consentd/internal/consent/models"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/requestcontext"
)

// Store lists grants whose expiry has passed.
type Store interface {
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*models.Artifact, error)
}

// Tracker applies the EXPIRE event.
type Tracker interface {
	ApplyTransition(ctx context.Context, consentRequestID string, ev models.Event) (*models.TransitionResult, error)
}

type Config struct {
	Interval     time.Duration
	BatchTimeout time.Duration
	BatchSize    int
	Concurrency  int
}

// Result summarises one sweep.
type Result struct {
	Due     int
	Expired int
	// Superseded counts artifacts that reached another status between the
	// listing and the transition, e.g. a racing REVOKE.
	Superseded int
	Failed     int
}

type Enforcer struct {
	store   Store
	tracker Tracker
	lease   Lease
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

func New(store Store, tracker Tracker, lease Lease, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if lease == nil {
		lease = LocalLease{}
	}
	return &Enforcer{
		store:   store,
		tracker: tracker,
		lease:   lease,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is cancelled. A failed tick is logged
// and the next one proceeds normally.
func (e *Enforcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.logger.InfoContext(ctx, "expiry enforcer started", "interval", e.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "expiry enforcer stopped")
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Enforcer) tick(ctx context.Context) {
	release, ok, err := e.lease.Acquire(ctx, e.cfg.BatchTimeout)
	if err != nil {
		e.logger.WarnContext(ctx, "expiry sweep lease unavailable", "error", err)
		return
	}
	if !ok {
		e.metrics.IncSweepSkipped()
		e.logger.DebugContext(ctx, "expiry sweep skipped: lease held elsewhere")
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WarnContext(ctx, "failed to release expiry sweep lease", "error", err)
		}
	}()

	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()
	if _, err := e.Sweep(batchCtx, e.clock()); err != nil {
		e.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
	}
}

// Sweep expires every grant due at now.
func (e *Enforcer) Sweep(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	sweepID := "sweep-" + uuid.NewString()
	ctx = requestcontext.WithRequestID(requestcontext.WithTime(ctx, now), sweepID)

	due, err := e.store.ListDueForExpiry(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}

	var expired, superseded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, a := range due {
		crid := a.ConsentRequestID
		g.Go(func() error {
			_, err := e.tracker.ApplyTransition(gctx, crid, models.Event{
				Type:              models.EventExpire,
				At:                now,
				Source:            audit.SourceSweep,
				SignatureVerified: true,
			})
			switch {
			case err == nil:
				expired.Add(1)
			case dErrors.HasCode(err, dErrors.CodeTerminalState), dErrors.HasCode(err, dErrors.CodeInvalidTransition):
				superseded.Add(1)
			default:
				failed.Add(1)
				e.logger.WarnContext(gctx, "failed to expire consent",
					"request_id", sweepID,
					"consent_request_id", crid,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Due:        len(due),
		Expired:    int(expired.Load()),
		Superseded: int(superseded.Load()),
		Failed:     int(failed.Load()),
	}
	e.metrics.ObserveSweep(time.Since(start), res.Expired)
	if res.Due > 0 {
		e.logger.InfoContext(ctx, "expiry sweep finished",
			"request_id", sweepID,
			"due", res.Due,
			"expired", res.Expired,
			"superseded", res.Superseded,
			"failed", res.Failed,
		)
	}
	return res, nil
}
