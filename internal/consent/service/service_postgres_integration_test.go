//go:build integration

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentd/internal/consent/models"
	consentstore "consentd/internal/consent/store"
	"consentd/internal/platform/postgres"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/audit/publishers/compliance"
	auditpostgres "consentd/pkg/platform/audit/store/postgres"
	"consentd/pkg/platform/sentinel"
	"consentd/pkg/requestcontext"
	"consentd/pkg/testutil/containers"
)

type PostgresServiceSuite struct {
	suite.Suite
	pg         *containers.PostgresContainer
	auditStore *auditpostgres.Store
	service    *Service
	ctx        context.Context
}

func TestPostgresServiceSuite(t *testing.T) {
	suite.Run(t, new(PostgresServiceSuite))
}

func (s *PostgresServiceSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
}

func (s *PostgresServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), d1.Add(time.Hour))
	s.Require().NoError(s.pg.Truncate(s.ctx))
	s.auditStore = auditpostgres.New(s.pg.DB)
	s.service = s.newService(s.auditStore)
}

func (s *PostgresServiceSuite) newService(store audit.Store) *Service {
	return New(
		consentstore.WithRetry(consentstore.NewPostgres(s.pg.DB), consentstore.DefaultRetryPolicy),
		compliance.New(store),
		WithTxRunner(postgres.NewTxRunner(s.pg.DB, 5*time.Second)),
	)
}

func (s *PostgresServiceSuite) create(svc *Service, crid string) *models.Artifact {
	a, err := svc.CreateRequest(s.ctx, models.CreateRequest{
		ConsentRequestID: crid,
		PatientRef:       "P1",
		RequesterID:      "R1",
		Purpose:          "lab-review",
		HITypes:          []string{"DiagnosticReport"},
	})
	s.Require().NoError(err)
	return a
}

func (s *PostgresServiceSuite) TestLifecycleAndAudit() {
	a := s.create(s.service, "crid-pg-life")

	res, err := s.service.ApplyTransition(s.ctx, a.ConsentRequestID, grantEvent(`{"permission":"p"}`))
	s.Require().NoError(err)
	s.Equal(models.OutcomeApplied, res.Outcome)

	res, err = s.service.ApplyTransition(s.ctx, a.ConsentRequestID, grantEvent(`{"permission":"p"}`))
	s.Require().NoError(err)
	s.Equal(models.OutcomeIdempotentNoop, res.Outcome)

	_, err = s.service.Revoke(s.ctx, a.ConsentRequestID, nil)
	s.Require().NoError(err)

	trail, err := s.service.AuditTrail(s.ctx, a.ConsentRequestID)
	s.Require().NoError(err)
	s.True(trail.ChainValid)
	s.Equal(models.StatusRevoked, trail.Artifact.Status)
	s.EqualValues(3, trail.Artifact.Version)
	s.Len(trail.Records, 4)
}

func (s *PostgresServiceSuite) TestAuditFailureRollsBackTransition() {
	a := s.create(s.service, "crid-pg-rollback")
	failing := s.newService(&failOnStatus{Store: s.auditStore, status: string(models.StatusGranted)})

	_, err := failing.ApplyTransition(s.ctx, a.ConsentRequestID, grantEvent(`{"permission":"p"}`))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

	current, err := s.service.Get(s.ctx, a.ConsentRequestID)
	s.Require().NoError(err)
	s.Equal(models.StatusRequested, current.Status, "artifact must not move without its audit record")
	s.EqualValues(1, current.Version)
}

func (s *PostgresServiceSuite) TestConcurrentTerminalEvents() {
	a := s.create(s.service, "crid-pg-race")
	_, err := s.service.ApplyTransition(s.ctx, a.ConsentRequestID, grantEvent(`{"permission":"p"}`))
	s.Require().NoError(err)

	expiresAt := d2
	var wg sync.WaitGroup
	errs := make([]error, 2)
	events := []models.Event{
		{Type: models.EventRevoke, Source: audit.SourceAPI, SignatureVerified: true},
		{Type: models.EventExpire, At: expiresAt, Source: audit.SourceSweep, SignatureVerified: true},
	}
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.service.ApplyTransition(s.ctx, a.ConsentRequestID, ev)
		}()
	}
	wg.Wait()

	var applied, terminal int
	for _, err := range errs {
		switch {
		case err == nil:
			applied++
		case dErrors.HasCode(err, dErrors.CodeTerminalState):
			terminal++
		}
	}
	s.Equal(1, applied)
	s.Equal(1, terminal)

	trail, err := s.service.AuditTrail(s.ctx, a.ConsentRequestID)
	s.Require().NoError(err)
	s.True(trail.ChainValid)
}

// failOnStatus fails appends that record a move to status.
type failOnStatus struct {
	audit.Store
	status string
}

func (f *failOnStatus) Append(ctx context.Context, r audit.Record) (audit.Record, error) {
	if r.ToStatus == f.status && r.Outcome == audit.OutcomeApplied {
		return audit.Record{}, sentinel.Unavailable(errors.New("audit disk full"))
	}
	return f.Store.Append(ctx, r)
}
