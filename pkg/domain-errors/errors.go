// Package domainerrors carries typed error codes across layers. Stores return
// sentinel facts, services translate them into a Code, and transports map the
// Code to a status without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure for callers that need to branch on it.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"
	CodeUnavailable        Code = "service_unavailable"
	CodeMissingConsent     Code = "missing_consent"
	CodeInvariantViolation Code = "invariant_violation"

	// Consent lifecycle codes.
	CodeDuplicateConsentRequest Code = "duplicate_consent_request_id"
	CodeSignatureInvalid        Code = "signature_invalid"
	CodeInvalidTransition       Code = "invalid_transition"
	CodeTerminalState           Code = "terminal_state_violation"
	CodeVersionConflict         Code = "version_conflict"
	CodeConcurrentModification  Code = "concurrent_modification_exceeded"
)

// Error is a domain error with a stable code and a caller-safe message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a domain error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any domain error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost domain code, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
