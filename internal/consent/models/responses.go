package models

import (
	"encoding/json"
	"time"

	audit "consentd/pkg/platform/audit"
)

// ArtifactSummary is the read projection handed to collaborators.
type ArtifactSummary struct {
	ID               string      `json:"id"`
	ConsentRequestID string      `json:"consentRequestId"`
	PatientRef       string      `json:"patientRef"`
	RequesterID      string      `json:"requesterId"`
	Purpose          string      `json:"purpose"`
	HITypes          []string    `json:"hiTypes"`
	Status           Status      `json:"status"`
	Active           bool        `json:"active"`
	Permission       *Permission `json:"permission,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	GrantedAt        *time.Time  `json:"grantedAt,omitempty"`
	ExpiresAt        *time.Time  `json:"expiresAt,omitempty"`
	RevokedAt        *time.Time  `json:"revokedAt,omitempty"`
	Version          int64       `json:"version"`
}

func NewSummary(a *Artifact, now time.Time) ArtifactSummary {
	return ArtifactSummary{
		ID:               a.ID,
		ConsentRequestID: a.ConsentRequestID,
		PatientRef:       a.PatientRef,
		RequesterID:      a.RequesterID,
		Purpose:          a.Purpose,
		HITypes:          a.HITypes,
		Status:           a.Status,
		Active:           a.IsActive(now),
		Permission:       a.Permission,
		CreatedAt:        a.CreatedAt,
		GrantedAt:        a.GrantedAt,
		ExpiresAt:        a.ExpiresAt,
		RevokedAt:        a.RevokedAt,
		Version:          a.Version,
	}
}

// StatusResponse is returned by the status query endpoint.
type StatusResponse struct {
	Consents []ArtifactSummary `json:"consents"`
}

// CallbackResponse acknowledges a gateway callback.
type CallbackResponse struct {
	ConsentRequestID string `json:"consentRequestId"`
	Outcome          string `json:"outcome"`
	Status           Status `json:"status"`
}

// AuditEntry is the wire shape of one audit record.
type AuditEntry struct {
	ID                  string          `json:"id"`
	Sequence            int64           `json:"sequence"`
	FromStatus          string          `json:"fromStatus,omitempty"`
	ToStatus            string          `json:"toStatus"`
	EventType           string          `json:"eventType,omitempty"`
	Source              string          `json:"source"`
	SourceEvent         json.RawMessage `json:"sourceEvent,omitempty"`
	VerifiedSignatureOK bool            `json:"verifiedSignatureOk"`
	Outcome             string          `json:"outcome"`
	Reason              string          `json:"reason,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	HashPrev            string          `json:"hashPrev"`
	HashCurr            string          `json:"hashCurr"`
}

// AuditTrailResponse lists an artifact's audit chain and whether it verifies.
type AuditTrailResponse struct {
	ConsentRequestID string       `json:"consentRequestId"`
	ChainValid       bool         `json:"chainValid"`
	Records          []AuditEntry `json:"records"`
}

func NewAuditEntry(r audit.Record) AuditEntry {
	e := AuditEntry{
		ID:                  r.ID,
		Sequence:            r.Sequence,
		FromStatus:          r.FromStatus,
		ToStatus:            r.ToStatus,
		EventType:           r.EventType,
		Source:              string(r.Source),
		VerifiedSignatureOK: r.VerifiedSignatureOK,
		Outcome:             string(r.Outcome),
		Reason:              r.Reason,
		Timestamp:           r.Timestamp,
		HashPrev:            r.HashPrev,
		HashCurr:            r.HashCurr,
	}
	if json.Valid(r.SourceEvent) {
		e.SourceEvent = json.RawMessage(r.SourceEvent)
	}
	return e
}
