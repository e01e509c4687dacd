package store

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"time"

	"consentd/internal/consent/models"
	"consentd/pkg/platform/sentinel"
)

// checkUpdate rejects mutations that touch immutable or write-once fields.
// Both backends run it before committing, so a buggy mutator cannot rewrite
// history even if it slips past the service.
func checkUpdate(before, after *models.Artifact) error {
	switch {
	case after.ID != before.ID,
		after.ConsentRequestID != before.ConsentRequestID,
		after.PatientRef != before.PatientRef,
		after.RequesterID != before.RequesterID,
		after.Purpose != before.Purpose,
		!slices.Equal(after.HITypes, before.HITypes),
		!after.CreatedAt.Equal(before.CreatedAt):
		return fmt.Errorf("%w: immutable artifact field changed", sentinel.ErrInvalidState)
	}
	if before.RawArtifactPayload != nil && !bytes.Equal(before.RawArtifactPayload, after.RawArtifactPayload) {
		return fmt.Errorf("%w: artifact payload is write-once", sentinel.ErrInvalidState)
	}
	if before.Permission != nil && !reflect.DeepEqual(before.Permission, after.Permission) {
		return fmt.Errorf("%w: permission is write-once", sentinel.ErrInvalidState)
	}
	if !onceSet(before.GrantedAt, after.GrantedAt) ||
		!onceSet(before.ExpiresAt, after.ExpiresAt) ||
		!onceSet(before.RevokedAt, after.RevokedAt) ||
		!onceSet(before.RejectedAt, after.RejectedAt) ||
		!onceSet(before.ExpiredAt, after.ExpiredAt) {
		return fmt.Errorf("%w: lifecycle timestamp is write-once", sentinel.ErrInvalidState)
	}
	return nil
}

func onceSet(before, after *time.Time) bool {
	if before == nil {
		return true
	}
	return after != nil && before.Equal(*after)
}
