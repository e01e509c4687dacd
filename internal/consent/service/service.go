package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consentd/internal/consent/lifecycle"
	"consentd/internal/consent/metrics"
	"consentd/internal/consent/models"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/sentinel"
	"consentd/pkg/requestcontext"
)

// Store is the artifact persistence contract. CompareAndUpdate is the only
// mutation path after creation.
type Store interface {
	Create(ctx context.Context, artifact *models.Artifact) error
	Get(ctx context.Context, id string) (*models.Artifact, error)
	GetByConsentRequestID(ctx context.Context, consentRequestID string) (*models.Artifact, error)
	CompareAndUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Artifact) error) (*models.Artifact, error)
	ListByPatient(ctx context.Context, patientRef, requesterID string) ([]*models.Artifact, error)
}

// AuditLog is the append-only trail. Append fails closed; Announce is
// best-effort and only called after commit.
type AuditLog interface {
	Append(ctx context.Context, record audit.Record) (audit.Record, error)
	Announce(ctx context.Context, records ...audit.Record)
	List(ctx context.Context, chainKey string) ([]audit.Record, error)
}

const defaultMaxRetries = 5

// Service is the consent request tracker. Every status change, whether from
// a gateway callback, a collaborator revoke or the expiry sweep, goes through
// ApplyTransition.
type Service struct {
	store      Store
	audit      AuditLog
	tx         TxRunner
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	maxRetries int
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTxRunner replaces the in-memory transaction runner, e.g. with the
// PostgreSQL one.
func WithTxRunner(tx TxRunner) Option {
	return func(s *Service) {
		if tx != nil {
			s.tx = tx
		}
	}
}

// WithMaxRetries bounds the re-read and retry loop on version conflicts.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func New(store Store, auditLog AuditLog, opts ...Option) *Service {
	s := &Service{
		store:      store,
		audit:      auditLog,
		tx:         newShardedTx(defaultTxTimeout),
		logger:     slog.Default(),
		tracer:     otel.Tracer("consentd/internal/consent/service"),
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest stores a new REQUESTED artifact and its creation audit record
// in one transaction.
func (s *Service) CreateRequest(ctx context.Context, req models.CreateRequest) (*models.Artifact, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ConsentRequestID == "" {
		req.ConsentRequestID = uuid.NewString()
	}

	now := timestamp(requestcontext.Now(ctx))
	artifact := &models.Artifact{
		ID:               uuid.NewString(),
		ConsentRequestID: req.ConsentRequestID,
		PatientRef:       req.PatientRef,
		RequesterID:      req.RequesterID,
		Purpose:          req.Purpose,
		HITypes:          req.HITypes,
		Status:           models.StatusRequested,
		CreatedAt:        now,
	}
	source, _ := json.Marshal(req)

	var rec audit.Record
	err := s.tx.RunInTx(withShardKey(ctx, artifact.ConsentRequestID), func(ctx context.Context) error {
		if err := s.store.Create(ctx, artifact); err != nil {
			return err
		}
		var err error
		rec, err = s.audit.Append(ctx, audit.Record{
			ID:                  uuid.NewString(),
			ChainKey:            audit.Key(artifact.ID, ""),
			ArtifactID:          artifact.ID,
			ConsentRequestID:    artifact.ConsentRequestID,
			ToStatus:            string(models.StatusRequested),
			EventType:           "CREATE",
			Source:              audit.SourceAPI,
			SourceEvent:         source,
			VerifiedSignatureOK: true,
			Outcome:             audit.OutcomeApplied,
			RequestID:           requestcontext.RequestID(ctx),
			Timestamp:           now,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			s.rejected(ctx, nil, req.ConsentRequestID, models.Event{Type: "CREATE", Source: audit.SourceAPI, SignatureVerified: true, Raw: source}, audit.ReasonDuplicateRequest)
			return nil, dErrors.New(dErrors.CodeDuplicateConsentRequest, "consentRequestId already exists")
		}
		return nil, s.storageError(ctx, err, "create consent request")
	}
	s.audit.Announce(ctx, rec)
	s.logger.InfoContext(ctx, "consent request created",
		"request_id", requestcontext.RequestID(ctx),
		"consent_request_id", artifact.ConsentRequestID,
		"artifact_id", artifact.ID,
	)
	return artifact, nil
}

// ApplyTransition resolves consentRequestID and moves it along one edge of
// the state machine. Redelivery of an already-applied event is reported as an
// idempotent no-op. Version conflicts re-read and re-decide up to maxRetries
// times.
func (s *Service) ApplyTransition(ctx context.Context, consentRequestID string, ev models.Event) (*models.TransitionResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "consent.ApplyTransition", trace.WithAttributes(
		attribute.String("consent.request_id", consentRequestID),
		attribute.String("consent.event", string(ev.Type)),
		attribute.String("consent.source", string(ev.Source)),
	))
	defer span.End()
	defer func() { s.metrics.ObserveTransition(time.Since(start)) }()

	if ev.At.IsZero() {
		ev.At = requestcontext.Now(ctx)
	}
	ev.At = timestamp(ev.At)

	result, err := s.applyTransition(ctx, consentRequestID, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("consent.outcome", string(result.Outcome)))
	return result, nil
}

func (s *Service) applyTransition(ctx context.Context, consentRequestID string, ev models.Event) (*models.TransitionResult, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		current, err := s.store.GetByConsentRequestID(ctx, consentRequestID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.rejected(ctx, nil, consentRequestID, ev, audit.ReasonNotFound)
				return nil, dErrors.New(dErrors.CodeNotFound, "consent request not found")
			}
			s.rejected(ctx, nil, consentRequestID, ev, audit.ReasonStorageUnavailable)
			return nil, s.storageError(ctx, err, "load consent artifact")
		}

		if isRedelivery(current, ev) {
			return s.noop(ctx, current, ev)
		}

		next, err := lifecycle.Decide(current.State(), ev)
		if err != nil {
			reason, code := audit.ReasonInvalidTransition, dErrors.CodeInvalidTransition
			if errors.Is(err, lifecycle.ErrTerminalState) {
				reason, code = audit.ReasonTerminalStateViolation, dErrors.CodeTerminalState
			}
			s.rejected(ctx, current, consentRequestID, ev, reason)
			return nil, dErrors.Wrap(err, code, err.Error())
		}

		var (
			updated *models.Artifact
			rec     audit.Record
		)
		err = s.tx.RunInTx(withShardKey(ctx, consentRequestID), func(ctx context.Context) error {
			var err error
			updated, err = s.store.CompareAndUpdate(ctx, current.ID, current.Version, func(a *models.Artifact) error {
				applyEvent(a, next, ev)
				return nil
			})
			if err != nil {
				return err
			}
			rec, err = s.audit.Append(ctx, s.record(ctx, current, consentRequestID, ev, string(next), audit.OutcomeApplied, ""))
			return err
		})
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncVersionConflict()
			s.logger.DebugContext(ctx, "consent version conflict, retrying",
				"request_id", requestcontext.RequestID(ctx),
				"consent_request_id", consentRequestID,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			s.rejected(ctx, current, consentRequestID, ev, audit.ReasonStorageUnavailable)
			return nil, s.storageError(ctx, err, "apply consent transition")
		}

		s.audit.Announce(ctx, rec)
		s.metrics.IncTransition(string(ev.Type), string(models.OutcomeApplied), "")
		s.logger.InfoContext(ctx, "consent transition applied",
			"request_id", requestcontext.RequestID(ctx),
			"consent_request_id", consentRequestID,
			"artifact_id", current.ID,
			"from", current.Status,
			"to", next,
			"source", ev.Source,
			"version", updated.Version,
		)
		return &models.TransitionResult{
			Outcome:  models.OutcomeApplied,
			From:     current.Status,
			To:       next,
			Artifact: updated,
		}, nil
	}

	s.rejected(ctx, nil, consentRequestID, ev, audit.ReasonConcurrentModification)
	return nil, dErrors.New(dErrors.CodeConcurrentModification, "too many concurrent modifications, retry later")
}

// isRedelivery is true when the artifact already sits in the event's target
// status and, for GRANT, holds byte-identical payload.
func isRedelivery(current *models.Artifact, ev models.Event) bool {
	if current.Status != ev.Type.Target() {
		return false
	}
	if ev.Type == models.EventGrant {
		return ev.SamePayload(current.RawArtifactPayload)
	}
	return true
}

func (s *Service) noop(ctx context.Context, current *models.Artifact, ev models.Event) (*models.TransitionResult, error) {
	rec, err := s.audit.Append(ctx, s.record(ctx, current, current.ConsentRequestID, ev, string(current.Status), audit.OutcomeIdempotentNoop, ""))
	if err != nil {
		return nil, s.storageError(ctx, err, "record idempotent no-op")
	}
	s.audit.Announce(ctx, rec)
	s.metrics.IncTransition(string(ev.Type), string(models.OutcomeIdempotentNoop), "")
	s.logger.DebugContext(ctx, "consent event already applied",
		"request_id", requestcontext.RequestID(ctx),
		"consent_request_id", current.ConsentRequestID,
		"artifact_id", current.ID,
		"status", current.Status,
	)
	return &models.TransitionResult{
		Outcome:  models.OutcomeIdempotentNoop,
		From:     current.Status,
		To:       current.Status,
		Artifact: current,
	}, nil
}

// RecordSignatureFailure audits a callback whose signature did not verify.
// The payload is kept for forensics and never interpreted.
func (s *Service) RecordSignatureFailure(ctx context.Context, consentRequestID string, raw []byte) error {
	s.metrics.IncSignatureFailure()
	s.logger.ErrorContext(ctx, "gateway callback signature invalid",
		"request_id", requestcontext.RequestID(ctx),
		"consent_request_id", consentRequestID,
		"client_ip", requestcontext.ClientIP(ctx),
	)
	return s.recordCallbackRejection(ctx, consentRequestID, models.Event{Source: audit.SourceWebhook, Raw: raw}, audit.ReasonSignatureInvalid)
}

// RecordMalformedCallback audits an authenticated callback that could not be
// turned into an event.
func (s *Service) RecordMalformedCallback(ctx context.Context, consentRequestID string, eventType models.EventType, raw []byte) error {
	s.metrics.IncTransition(string(eventType), string(audit.OutcomeRejected), audit.ReasonMalformedEvent)
	s.logger.WarnContext(ctx, "gateway callback malformed",
		"request_id", requestcontext.RequestID(ctx),
		"consent_request_id", consentRequestID,
		"event", eventType,
	)
	ev := models.Event{Type: eventType, Source: audit.SourceWebhook, SignatureVerified: true, Raw: raw}
	return s.recordCallbackRejection(ctx, consentRequestID, ev, audit.ReasonMalformedEvent)
}

func (s *Service) recordCallbackRejection(ctx context.Context, consentRequestID string, ev models.Event, reason string) error {
	var current *models.Artifact
	if consentRequestID != "" {
		if a, err := s.store.GetByConsentRequestID(ctx, consentRequestID); err == nil {
			current = a
		}
	}
	ev.At = requestcontext.Now(ctx)
	rec, err := s.audit.Append(ctx, s.record(ctx, current, consentRequestID, ev, audit.RejectedAttempt, audit.OutcomeRejected, reason))
	if err != nil {
		return s.storageError(ctx, err, "record rejected callback")
	}
	s.audit.Announce(ctx, rec)
	return nil
}

// rejected audits a failed attempt. The caller's error is what matters, so a
// failure to write the record is logged rather than returned.
func (s *Service) rejected(ctx context.Context, current *models.Artifact, consentRequestID string, ev models.Event, reason string) {
	s.metrics.IncTransition(string(ev.Type), string(audit.OutcomeRejected), reason)
	s.logger.WarnContext(ctx, "consent transition rejected",
		"request_id", requestcontext.RequestID(ctx),
		"consent_request_id", consentRequestID,
		"event", ev.Type,
		"source", ev.Source,
		"reason", reason,
	)
	rec, err := s.audit.Append(ctx, s.record(ctx, current, consentRequestID, ev, audit.RejectedAttempt, audit.OutcomeRejected, reason))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to audit rejected consent transition",
			"request_id", requestcontext.RequestID(ctx),
			"consent_request_id", consentRequestID,
			"reason", reason,
			"error", err,
		)
		return
	}
	s.audit.Announce(ctx, rec)
}

func (s *Service) record(ctx context.Context, current *models.Artifact, consentRequestID string, ev models.Event, to string, outcome audit.Outcome, reason string) audit.Record {
	rec := audit.Record{
		ID:                  uuid.NewString(),
		ConsentRequestID:    consentRequestID,
		ToStatus:            to,
		EventType:           string(ev.Type),
		Source:              ev.Source,
		SourceEvent:         sourceEvent(ev),
		VerifiedSignatureOK: ev.SignatureVerified,
		Outcome:             outcome,
		Reason:              reason,
		RequestID:           requestcontext.RequestID(ctx),
		Timestamp:           timestamp(requestcontext.Now(ctx)),
	}
	if current != nil {
		rec.ArtifactID = current.ID
		rec.FromStatus = string(current.Status)
	}
	rec.ChainKey = audit.Key(rec.ArtifactID, consentRequestID)
	return rec
}

// sourceEvent is the raw inbound body when there is one, otherwise a marker
// describing the internal trigger.
func sourceEvent(ev models.Event) []byte {
	if len(ev.Raw) > 0 {
		return bytes.Clone(ev.Raw)
	}
	marker, _ := json.Marshal(struct {
		Source    audit.Source     `json:"source"`
		EventType models.EventType `json:"eventType"`
		At        time.Time        `json:"at"`
	}{ev.Source, ev.Type, ev.At})
	return marker
}

func applyEvent(a *models.Artifact, next models.Status, ev models.Event) {
	at := ev.At
	a.Status = next
	switch next {
	case models.StatusGranted:
		a.Permission = ev.Permission.Clone()
		a.RawArtifactPayload = bytes.Clone(ev.Payload)
		a.GrantedAt = &at
		expires := timestamp(a.Permission.ExpiresAt())
		a.ExpiresAt = &expires
	case models.StatusRejected:
		a.RejectedAt = &at
	case models.StatusRevoked:
		a.RevokedAt = &at
	case models.StatusExpired:
		a.ExpiredAt = &at
	}
}

// storageError maps infrastructure failures onto retryable domain errors.
func (s *Service) storageError(ctx context.Context, err error, op string) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+": timed out")
	}
	s.logger.ErrorContext(ctx, "consent storage failure",
		"request_id", requestcontext.RequestID(ctx),
		"operation", op,
		"error", err,
	)
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, op+": storage unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, op+": failed")
}

// timestamp normalises instants to the precision PostgreSQL stores.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
