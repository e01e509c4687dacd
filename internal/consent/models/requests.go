package models

import (
	"strings"

	dErrors "consentd/pkg/domain-errors"
	pstrings "consentd/pkg/platform/strings"
)

// CreateRequest is the input to CreateRequest. ConsentRequestID is optional;
// one is generated when empty.
type CreateRequest struct {
	ConsentRequestID string   `json:"consentRequestId,omitempty"`
	PatientRef       string   `json:"patientRef"`
	RequesterID      string   `json:"requesterId"`
	Purpose          string   `json:"purpose"`
	HITypes          []string `json:"hiTypes"`
}

// Normalize trims identifiers and drops blank or repeated HI types.
func (r *CreateRequest) Normalize() {
	r.ConsentRequestID = strings.TrimSpace(r.ConsentRequestID)
	r.PatientRef = strings.TrimSpace(r.PatientRef)
	r.RequesterID = strings.TrimSpace(r.RequesterID)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.HITypes = pstrings.DedupeAndTrim(r.HITypes)
}

func (r *CreateRequest) Validate() error {
	if r.PatientRef == "" {
		return dErrors.New(dErrors.CodeValidation, "patientRef is required")
	}
	if r.RequesterID == "" {
		return dErrors.New(dErrors.CodeValidation, "requesterId is required")
	}
	if r.Purpose == "" {
		return dErrors.New(dErrors.CodeValidation, "purpose is required")
	}
	if len(r.HITypes) == 0 {
		return dErrors.New(dErrors.CodeValidation, "hiTypes must not be empty")
	}
	if len(r.ConsentRequestID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "consentRequestId must be 128 characters or less")
	}
	return nil
}

// RevokeRequest is the body of an explicit revoke from a collaborator.
type RevokeRequest struct {
	Reason string `json:"reason,omitempty"`
}
