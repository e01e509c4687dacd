package audit

import (
	"context"
	"time"
)

// Outcome is the result of one transition attempt.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeIdempotentNoop Outcome = "idempotent-noop"
	OutcomeRejected       Outcome = "rejected"
)

// RejectedAttempt is recorded as ToStatus when an attempt did not move the artifact.
const RejectedAttempt = "REJECTED-ATTEMPT"

// Source identifies which path produced a transition attempt.
type Source string

const (
	SourceAPI     Source = "api"
	SourceWebhook Source = "webhook"
	SourceSweep   Source = "expiry_sweep"
)

// Reasons recorded on rejected attempts.
const (
	ReasonSignatureInvalid       = "SignatureInvalid"
	ReasonNotFound               = "NotFound"
	ReasonInvalidTransition      = "InvalidTransition"
	ReasonTerminalStateViolation = "TerminalStateViolation"
	ReasonConcurrentModification = "ConcurrentModificationExceeded"
	ReasonStorageUnavailable     = "StorageUnavailable"
	ReasonDuplicateRequest       = "DuplicateConsentRequestId"
	ReasonMalformedEvent         = "MalformedEvent"
)

// Record is one append-only audit entry. A record is never mutated after it
// has been chained: HashCurr covers every other field and HashPrev links it to
// the previous record of the same ChainKey.
type Record struct {
	ID                  string
	ChainKey            string
	Sequence            int64
	ArtifactID          string
	ConsentRequestID    string
	FromStatus          string
	ToStatus            string
	EventType           string
	Source              Source
	SourceEvent         []byte
	VerifiedSignatureOK bool
	Outcome             Outcome
	Reason              string
	RequestID           string
	Timestamp           time.Time
	HashPrev            string
	HashCurr            string
}

// Key returns the chain key for a record: the artifact id when known, the
// consent request id otherwise.
func Key(artifactID, consentRequestID string) string {
	if artifactID != "" {
		return artifactID
	}
	if consentRequestID != "" {
		return "crid:" + consentRequestID
	}
	return "unattributed"
}

// Store persists chained audit records. Append computes the chain link under
// the store's own serialization for the record's ChainKey and returns the
// stored record.
type Store interface {
	Append(ctx context.Context, record Record) (Record, error)
	ListByChain(ctx context.Context, chainKey string) ([]Record, error)
}
