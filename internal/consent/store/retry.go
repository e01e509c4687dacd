package store

import (
	"context"
	"errors"
	"time"

	"consentd/internal/consent/models"
	"consentd/pkg/platform/sentinel"
	txcontext "consentd/pkg/platform/tx"
)

// Backend is the artifact store contract shared by InMemory and PostgresStore.
type Backend interface {
	Create(ctx context.Context, artifact *models.Artifact) error
	Get(ctx context.Context, id string) (*models.Artifact, error)
	GetByConsentRequestID(ctx context.Context, consentRequestID string) (*models.Artifact, error)
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Artifact) error) (*models.Artifact, error)
	ListByPatient(ctx context.Context, patientRef, requesterID string) ([]*models.Artifact, error)
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]*models.Artifact, error)
}

// RetryPolicy bounds the backoff applied to ErrUnavailable.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries three times, starting at 25ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 25 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Retrying retries transient I/O failures with exponential backoff. Conflicts,
// not-found and duplicate errors are facts and pass through untouched.
// Operations running inside a caller's transaction are never retried here:
// the transaction is already aborted and only the caller can restart it.
type Retrying struct {
	next   Backend
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
}

// WithRetry wraps next.
func WithRetry(next Backend, policy RetryPolicy) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Retrying{next: next, policy: policy, sleep: sleepCtx}
}

func (r *Retrying) do(ctx context.Context, op func() error) error {
	if _, inTx := txcontext.From(ctx); inTx {
		return op()
	}
	delay := r.policy.BaseDelay
	var err error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, sentinel.ErrUnavailable) || attempt == r.policy.Attempts {
			return err
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return sentinel.Unavailable(errors.Join(err, serr))
		}
		delay *= 2
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return err
}

// Create retries an insert whose outcome may be unknown. A duplicate on a
// retry that turns out to be our own earlier insert counts as success.
func (r *Retrying) Create(ctx context.Context, artifact *models.Artifact) error {
	attempted := false
	return r.do(ctx, func() error {
		err := r.next.Create(ctx, artifact)
		if errors.Is(err, sentinel.ErrAlreadyUsed) && attempted {
			existing, gerr := r.next.GetByConsentRequestID(ctx, artifact.ConsentRequestID)
			if gerr == nil && existing.ID == artifact.ID {
				artifact.Version = existing.Version
				return nil
			}
		}
		attempted = true
		return err
	})
}

func (r *Retrying) Get(ctx context.Context, id string) (a *models.Artifact, err error) {
	err = r.do(ctx, func() error {
		a, err = r.next.Get(ctx, id)
		return err
	})
	return a, err
}

func (r *Retrying) GetByConsentRequestID(ctx context.Context, consentRequestID string) (a *models.Artifact, err error) {
	err = r.do(ctx, func() error {
		a, err = r.next.GetByConsentRequestID(ctx, consentRequestID)
		return err
	})
	return a, err
}

func (r *Retrying) CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Artifact) error) (a *models.Artifact, err error) {
	err = r.do(ctx, func() error {
		a, err = r.next.CompareAndUpdate(ctx, id, expectedVersion, mutate)
		return err
	})
	return a, err
}

func (r *Retrying) ListByPatient(ctx context.Context, patientRef, requesterID string) (out []*models.Artifact, err error) {
	err = r.do(ctx, func() error {
		out, err = r.next.ListByPatient(ctx, patientRef, requesterID)
		return err
	})
	return out, err
}

func (r *Retrying) ListDueForExpiry(ctx context.Context, now time.Time, limit int) (out []*models.Artifact, err error) {
	err = r.do(ctx, func() error {
		out, err = r.next.ListDueForExpiry(ctx, now, limit)
		return err
	})
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
