package models

import "fmt"

// Status is the lifecycle state of a consent artifact.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusGranted   Status = "GRANTED"
	StatusRejected  Status = "REJECTED"
	StatusRevoked   Status = "REVOKED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

func (s Status) IsValid() bool {
	switch s {
	case StatusRequested, StatusGranted, StatusRejected, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown consent status %q", raw)
	}
	return s, nil
}

// EventType is the kind of decision fed into the state machine.
type EventType string

const (
	EventGrant  EventType = "GRANT"
	EventReject EventType = "REJECT"
	EventRevoke EventType = "REVOKE"
	EventExpire EventType = "EXPIRE"
)

// Target is the status an event asks for.
func (e EventType) Target() Status {
	switch e {
	case EventGrant:
		return StatusGranted
	case EventReject:
		return StatusRejected
	case EventRevoke:
		return StatusRevoked
	case EventExpire:
		return StatusExpired
	}
	return ""
}

// IsGatewayEvent reports whether the gateway may deliver e by webhook.
func (e EventType) IsGatewayEvent() bool {
	switch e {
	case EventGrant, EventReject, EventRevoke:
		return true
	}
	return false
}
