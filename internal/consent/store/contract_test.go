package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentd/internal/consent/models"
	"consentd/pkg/platform/sentinel"
	"consentd/pkg/testutil"
)

var created = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newArtifact(crid, patient, requester string) *models.Artifact {
	return &models.Artifact{
		ID:               uuid.NewString(),
		ConsentRequestID: crid,
		PatientRef:       patient,
		RequesterID:      requester,
		Purpose:          "care-management",
		HITypes:          []string{"DiagnosticReport", "Prescription"},
		Status:           models.StatusRequested,
		CreatedAt:        created,
	}
}

func grant(expires time.Time) func(*models.Artifact) error {
	return func(a *models.Artifact) error {
		grantedAt := created.Add(time.Hour)
		a.Status = models.StatusGranted
		a.GrantedAt = &grantedAt
		a.ExpiresAt = &expires
		a.Permission = &models.Permission{
			AccessMode: "VIEW",
			DateRange:  models.DateRange{From: created, To: expires},
			HITypes:    []string{"DiagnosticReport"},
		}
		a.RawArtifactPayload = []byte(`{"artifact":"signed"}`)
		return nil
	}
}

// testBackend runs the behaviour both artifact stores must share.
func testBackend(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	testutil.Given(t, "a fresh artifact", func(t *testing.T) {
		s := newBackend(t)
		a := newArtifact("crid-"+uuid.NewString(), "P-"+uuid.NewString(), "R1")
		require.NoError(t, s.Create(ctx, a))
		assert.EqualValues(t, 1, a.Version)

		testutil.Then(t, "it is readable by id and consent request id", func(t *testing.T) {
			byID, err := s.Get(ctx, a.ID)
			require.NoError(t, err)
			byCRID, err := s.GetByConsentRequestID(ctx, a.ConsentRequestID)
			require.NoError(t, err)
			assert.Equal(t, byID.ID, byCRID.ID)
			assert.Equal(t, models.StatusRequested, byID.Status)
			assert.Equal(t, a.HITypes, byID.HITypes)
			assert.True(t, a.CreatedAt.Equal(byID.CreatedAt))
		})

		testutil.Then(t, "a second artifact for the same consent request is refused", func(t *testing.T) {
			dup := newArtifact(a.ConsentRequestID, a.PatientRef, "R2")
			assert.ErrorIs(t, s.Create(ctx, dup), sentinel.ErrAlreadyUsed)
		})

		testutil.When(t, "it is granted at the current version", func(t *testing.T) {
			expires := created.Add(90 * 24 * time.Hour)
			updated, err := s.CompareAndUpdate(ctx, a.ID, 1, grant(expires))
			require.NoError(t, err)
			assert.EqualValues(t, 2, updated.Version)
			require.NotNil(t, updated.Permission)
			assert.Equal(t, "VIEW", updated.Permission.AccessMode)
			assert.True(t, updated.ExpiresAt.Equal(expires))

			testutil.Then(t, "a writer holding the old version conflicts", func(t *testing.T) {
				_, err := s.CompareAndUpdate(ctx, a.ID, 1, func(a *models.Artifact) error {
					a.Status = models.StatusRevoked
					return nil
				})
				assert.ErrorIs(t, err, sentinel.ErrConflict)
			})

			testutil.Then(t, "write-once fields cannot be rewritten", func(t *testing.T) {
				_, err := s.CompareAndUpdate(ctx, a.ID, 2, func(a *models.Artifact) error {
					a.RawArtifactPayload = []byte(`{"artifact":"forged"}`)
					return nil
				})
				assert.ErrorIs(t, err, sentinel.ErrInvalidState)

				_, err = s.CompareAndUpdate(ctx, a.ID, 2, func(a *models.Artifact) error {
					a.PatientRef = "someone-else"
					return nil
				})
				assert.ErrorIs(t, err, sentinel.ErrInvalidState)

				current, err := s.Get(ctx, a.ID)
				require.NoError(t, err)
				assert.EqualValues(t, 2, current.Version)
				assert.JSONEq(t, `{"artifact":"signed"}`, string(current.RawArtifactPayload))
			})

			testutil.Then(t, "a failing mutator leaves the artifact untouched", func(t *testing.T) {
				boom := errors.New("boom")
				_, err := s.CompareAndUpdate(ctx, a.ID, 2, func(*models.Artifact) error { return boom })
				assert.ErrorIs(t, err, boom)
			})
		})
	})

	testutil.Given(t, "an unknown artifact", func(t *testing.T) {
		s := newBackend(t)
		_, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.GetByConsentRequestID(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.CompareAndUpdate(ctx, uuid.NewString(), 1, func(*models.Artifact) error { return nil })
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	testutil.Given(t, "several artifacts for one patient", func(t *testing.T) {
		s := newBackend(t)
		patient := "P-" + uuid.NewString()
		for i, requester := range []string{"R1", "R2", "R1"} {
			a := newArtifact("crid-"+uuid.NewString(), patient, requester)
			a.CreatedAt = created.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Create(ctx, a))
		}
		require.NoError(t, s.Create(ctx, newArtifact("crid-"+uuid.NewString(), "P-other-"+uuid.NewString(), "R1")))

		all, err := s.ListByPatient(ctx, patient, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		narrowed, err := s.ListByPatient(ctx, patient, "R1")
		require.NoError(t, err)
		require.Len(t, narrowed, 2)
		assert.True(t, narrowed[0].CreatedAt.Before(narrowed[1].CreatedAt))
	})

	testutil.Given(t, "granted artifacts with different expiries", func(t *testing.T) {
		s := newBackend(t)
		patient := "P-" + uuid.NewString()
		base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
		ids := map[string]time.Time{}
		for _, offset := range []time.Duration{2 * time.Hour, -30 * time.Minute, 0, -10 * time.Minute} {
			a := newArtifact("crid-"+uuid.NewString(), patient, "R1")
			require.NoError(t, s.Create(ctx, a))
			_, err := s.CompareAndUpdate(ctx, a.ID, 1, grant(base.Add(offset)))
			require.NoError(t, err)
			ids[a.ID] = base.Add(offset)
		}

		due, err := s.ListDueForExpiry(ctx, base, 0)
		require.NoError(t, err)
		var mine []*models.Artifact
		for _, a := range due {
			if _, ok := ids[a.ID]; ok {
				mine = append(mine, a)
			}
		}
		require.Len(t, mine, 3, "expiry exactly at now is due")
		assert.True(t, mine[0].ExpiresAt.Before(*mine[1].ExpiresAt))

		limited, err := s.ListDueForExpiry(ctx, base, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	testutil.Given(t, "concurrent writers at the same version", func(t *testing.T) {
		s := newBackend(t)
		a := newArtifact("crid-"+uuid.NewString(), "P-"+uuid.NewString(), "R1")
		require.NoError(t, s.Create(ctx, a))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CompareAndUpdate(ctx, a.ID, 1, func(a *models.Artifact) error {
					a.Status = models.StatusRejected
					now := created.Add(time.Hour)
					a.RejectedAt = &now
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var applied, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				applied++
			case errors.Is(err, sentinel.ErrConflict):
				conflicts++
			}
		}
		assert.Equal(t, 1, applied)
		assert.Equal(t, 7, conflicts)
	})
}
