package models

import (
	"bytes"
	"time"

	audit "consentd/pkg/platform/audit"
)

// Event is a request to move an artifact to another status.
type Event struct {
	Type EventType
	// Permission and Payload accompany GRANT. Payload is the verbatim bytes
	// received from the gateway and is compared byte-for-byte on redelivery.
	Permission *Permission
	Payload    []byte
	// At is the instant the event is evaluated against; expiry compares it
	// with ExpiresAt.
	At time.Time
	// Source and SignatureVerified are carried into the audit record.
	Source            audit.Source
	SignatureVerified bool
	// Raw is the full inbound body, retained for the audit record.
	Raw []byte
}

// SamePayload reports whether ev carries exactly the stored GRANT payload.
func (ev Event) SamePayload(stored []byte) bool {
	return bytes.Equal(ev.Payload, stored)
}

// Outcome is how ApplyTransition resolved an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeIdempotentNoop Outcome = "idempotent-noop"
)

// TransitionResult describes a successful ApplyTransition call.
type TransitionResult struct {
	Outcome  Outcome
	From     Status
	To       Status
	Artifact *Artifact
}
