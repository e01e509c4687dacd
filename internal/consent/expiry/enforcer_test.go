package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"consentd/internal/consent/metrics"
	"consentd/internal/consent/models"
	"consentd/internal/consent/service"
	consentstore "consentd/internal/consent/store"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/audit/publishers/compliance"
	auditmemory "consentd/pkg/platform/audit/store/memory"
)

var (
	from    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
)

type EnforcerSuite struct {
	suite.Suite
	store      *consentstore.InMemory
	auditStore *auditmemory.InMemoryStore
	service    *service.Service
	metrics    *metrics.Metrics
	enforcer   *Enforcer
}

func TestEnforcerSuite(t *testing.T) {
	suite.Run(t, new(EnforcerSuite))
}

func (s *EnforcerSuite) SetupTest() {
	s.store = consentstore.NewInMemory()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.service = service.New(s.store, compliance.New(s.auditStore))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.enforcer = New(s.store, s.service, nil, Config{Concurrency: 4}, slog.New(slog.DiscardHandler), s.metrics)
}

func (s *EnforcerSuite) granted(crid string, until time.Time) {
	ctx := context.Background()
	_, err := s.service.CreateRequest(ctx, models.CreateRequest{
		ConsentRequestID: crid,
		PatientRef:       "P1",
		RequesterID:      "R1",
		Purpose:          "lab-review",
		HITypes:          []string{"DiagnosticReport"},
	})
	s.Require().NoError(err)
	_, err = s.service.ApplyTransition(ctx, crid, models.Event{
		Type:              models.EventGrant,
		Permission:        &models.Permission{DateRange: models.DateRange{From: from, To: until}},
		Payload:           []byte(`{"grant":"` + crid + `"}`),
		At:                from,
		Source:            audit.SourceWebhook,
		SignatureVerified: true,
	})
	s.Require().NoError(err)
}

func (s *EnforcerSuite) status(crid string) models.Status {
	a, err := s.store.GetByConsentRequestID(context.Background(), crid)
	s.Require().NoError(err)
	return a.Status
}

func (s *EnforcerSuite) TestSweepBoundary() {
	s.granted("c-boundary", expires)

	res, err := s.enforcer.Sweep(context.Background(), expires.Add(-time.Nanosecond))
	s.Require().NoError(err)
	s.Equal(0, res.Due)
	s.Equal(models.StatusGranted, s.status("c-boundary"))

	res, err = s.enforcer.Sweep(context.Background(), expires)
	s.Require().NoError(err)
	s.Equal(1, res.Expired)
	s.Equal(models.StatusExpired, s.status("c-boundary"))
}

func (s *EnforcerSuite) TestSweepIsAudited() {
	s.granted("c-audit", expires)
	_, err := s.enforcer.Sweep(context.Background(), expires.Add(time.Hour))
	s.Require().NoError(err)

	a, err := s.store.GetByConsentRequestID(context.Background(), "c-audit")
	s.Require().NoError(err)
	records, err := s.auditStore.ListByChain(context.Background(), a.ID)
	s.Require().NoError(err)
	last := records[len(records)-1]
	s.Equal(audit.SourceSweep, last.Source)
	s.Equal(string(models.StatusExpired), last.ToStatus)
	s.Equal(audit.OutcomeApplied, last.Outcome)
	s.Contains(last.RequestID, "sweep-")
}

func (s *EnforcerSuite) TestSweepManyConcurrently() {
	for i := range 20 {
		s.granted(fmt.Sprintf("c-many-%02d", i), expires)
	}
	s.granted("c-later", expires.Add(24*time.Hour))

	res, err := s.enforcer.Sweep(context.Background(), expires)
	s.Require().NoError(err)
	s.Equal(20, res.Due)
	s.Equal(20, res.Expired)
	s.Equal(0, res.Failed)
	s.Equal(models.StatusGranted, s.status("c-later"))
	s.Equal(float64(20), testutil.ToFloat64(s.metrics.SweepExpired))
}

func (s *EnforcerSuite) TestSweepLosesRaceToRevoke() {
	s.granted("c-race", expires)
	racing := &revokeFirst{Tracker: s.service}
	enforcer := New(s.store, racing, nil, Config{}, slog.New(slog.DiscardHandler), nil)

	res, err := enforcer.Sweep(context.Background(), expires)
	s.Require().NoError(err)
	s.Equal(1, res.Superseded)
	s.Equal(models.StatusRevoked, s.status("c-race"))
}

func (s *EnforcerSuite) TestTickSkipsWithoutLease() {
	s.granted("c-lease", expires)
	s.enforcer.lease = heldLease{}
	s.enforcer.clock = func() time.Time { return expires.Add(time.Hour) }

	s.enforcer.tick(context.Background())
	s.Equal(models.StatusGranted, s.status("c-lease"))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.SweepSkipped))

	s.enforcer.lease = LocalLease{}
	s.enforcer.tick(context.Background())
	s.Equal(models.StatusExpired, s.status("c-lease"))
}

func (s *EnforcerSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(s.store, s.service, nil, Config{Interval: time.Millisecond}, slog.New(slog.DiscardHandler), nil)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("enforcer did not stop")
	}
}

// revokeFirst revokes the artifact just before forwarding the EXPIRE, so the
// sweep's transition runs against a terminal artifact.
type revokeFirst struct {
	Tracker *service.Service
}

func (r *revokeFirst) ApplyTransition(ctx context.Context, crid string, ev models.Event) (*models.TransitionResult, error) {
	if _, err := r.Tracker.Revoke(ctx, crid, nil); err != nil {
		return nil, err
	}
	return r.Tracker.ApplyTransition(ctx, crid, ev)
}

type heldLease struct{}

func (heldLease) Acquire(context.Context, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}
