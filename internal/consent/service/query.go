package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"consentd/internal/consent/models"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/sentinel"
	"consentd/pkg/requestcontext"
)

// Get returns the committed artifact for consentRequestID.
func (s *Service) Get(ctx context.Context, consentRequestID string) (*models.Artifact, error) {
	a, err := s.store.GetByConsentRequestID(ctx, consentRequestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "consent request not found")
		}
		return nil, s.storageError(ctx, err, "get consent artifact")
	}
	return a, nil
}

// GetStatus lists a patient's artifacts, optionally narrowed to one
// requester. It never mutates; expiry is only applied by the sweep.
func (s *Service) GetStatus(ctx context.Context, patientRef, requesterID string) ([]*models.Artifact, error) {
	patientRef = strings.TrimSpace(patientRef)
	if patientRef == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "patientRef is required")
	}
	artifacts, err := s.store.ListByPatient(ctx, patientRef, strings.TrimSpace(requesterID))
	if err != nil {
		return nil, s.storageError(ctx, err, "list consent artifacts")
	}
	return artifacts, nil
}

// RequireActive is the access gate for the clinical-data layer. It fails
// closed unless a GRANTED, unexpired artifact for the requester covers hiType.
func (s *Service) RequireActive(ctx context.Context, patientRef, requesterID, hiType string, now time.Time) error {
	if requesterID == "" || hiType == "" {
		return dErrors.New(dErrors.CodeValidation, "requesterId and hiType are required")
	}
	artifacts, err := s.GetStatus(ctx, patientRef, requesterID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if a.IsActive(now) && a.Covers(hiType) {
			return nil
		}
	}
	s.logger.InfoContext(ctx, "access denied: no active consent",
		"request_id", requestcontext.RequestID(ctx),
		"requester_id", requesterID,
		"hi_type", hiType,
	)
	return dErrors.New(dErrors.CodeMissingConsent, "no active consent covers the requested data")
}

// AuditTrail is an artifact's audit history and the verification result of
// each chain it spans.
type AuditTrail struct {
	Artifact   *models.Artifact
	Records    []audit.Record
	ChainValid bool
}

// AuditTrail returns the records chained under the artifact plus any attempts
// recorded against the consent request id before the artifact was known.
func (s *Service) AuditTrail(ctx context.Context, consentRequestID string) (*AuditTrail, error) {
	artifact, err := s.Get(ctx, consentRequestID)
	if err != nil {
		return nil, err
	}
	trail := &AuditTrail{Artifact: artifact, ChainValid: true}
	for _, key := range []string{audit.Key("", consentRequestID), audit.Key(artifact.ID, "")} {
		records, err := s.audit.List(ctx, key)
		if err != nil {
			return nil, s.storageError(ctx, err, "list audit records")
		}
		if err := audit.VerifyChain(records); err != nil {
			trail.ChainValid = false
			s.logger.ErrorContext(ctx, "CRITICAL: consent audit chain failed verification",
				"request_id", requestcontext.RequestID(ctx),
				"chain_key", key,
				"error", err,
			)
		}
		trail.Records = append(trail.Records, records...)
	}
	return trail, nil
}

// Revoke applies an explicit revoke from an authenticated collaborator.
func (s *Service) Revoke(ctx context.Context, consentRequestID string, raw []byte) (*models.TransitionResult, error) {
	return s.ApplyTransition(ctx, consentRequestID, models.Event{
		Type:              models.EventRevoke,
		Source:            audit.SourceAPI,
		SignatureVerified: true,
		Raw:               raw,
	})
}
