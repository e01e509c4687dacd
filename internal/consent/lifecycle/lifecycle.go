// Package lifecycle is the consent state machine. Decide is pure: it reads a
// state and an event and either names the next status or explains why the
// edge does not exist. It never touches storage.
//
//	REQUESTED -> GRANTED   GRANT with permission and payload
//	REQUESTED -> REJECTED  REJECT
//	GRANTED   -> REVOKED   REVOKE
//	GRANTED   -> EXPIRED   EXPIRE, only once At >= ExpiresAt
//
// REJECTED, REVOKED and EXPIRED are terminal.
package lifecycle

import (
	"errors"
	"fmt"

	"consentd/internal/consent/models"
)

var (
	// ErrInvalidTransition means the edge is not part of the protocol.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTerminalState means the artifact already reached a terminal status;
	// usually a stale or duplicate message.
	ErrTerminalState = errors.New("terminal state violation")
)

// TransitionError carries the attempted edge for the audit trail.
type TransitionError struct {
	From   models.Status
	Event  models.EventType
	Detail string
	kind   error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s on %s", e.kind, e.Event, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.kind }

type edge struct {
	from  models.Status
	event models.EventType
}

var edges = map[edge]models.Status{
	{models.StatusRequested, models.EventGrant}:  models.StatusGranted,
	{models.StatusRequested, models.EventReject}: models.StatusRejected,
	{models.StatusGranted, models.EventRevoke}:   models.StatusRevoked,
	{models.StatusGranted, models.EventExpire}:   models.StatusExpired,
}

// Decide returns the next status for ev applied to state.
func Decide(state models.State, ev models.Event) (models.Status, error) {
	if state.Status.IsTerminal() {
		return "", &TransitionError{From: state.Status, Event: ev.Type, kind: ErrTerminalState}
	}
	next, ok := edges[edge{state.Status, ev.Type}]
	if !ok {
		return "", &TransitionError{From: state.Status, Event: ev.Type, kind: ErrInvalidTransition}
	}

	switch ev.Type {
	case models.EventGrant:
		if err := ev.Permission.Validate(); err != nil {
			return "", &TransitionError{From: state.Status, Event: ev.Type, Detail: err.Error(), kind: ErrInvalidTransition}
		}
		if len(ev.Payload) == 0 {
			return "", &TransitionError{From: state.Status, Event: ev.Type, Detail: "artifact payload is required", kind: ErrInvalidTransition}
		}
	case models.EventExpire:
		if state.ExpiresAt == nil {
			return "", &TransitionError{From: state.Status, Event: ev.Type, Detail: "grant has no expiry", kind: ErrInvalidTransition}
		}
		if ev.At.Before(*state.ExpiresAt) {
			return "", &TransitionError{From: state.Status, Event: ev.Type, Detail: "grant has not reached its expiry", kind: ErrInvalidTransition}
		}
	}
	return next, nil
}

// Edges lists every allowed edge by source status.
func Edges() map[models.Status][]models.Status {
	out := make(map[models.Status][]models.Status)
	for e, to := range edges {
		out[e.from] = append(out[e.from], to)
	}
	return out
}
