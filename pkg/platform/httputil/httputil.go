// Package httputil writes JSON responses and maps domain error codes to HTTP
// status codes so handlers never pick statuses by hand.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "consentd/pkg/domain-errors"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and writes an ErrorResponse. Internal errors
// never leak their description.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = dErrors.New(dErrors.CodeInternal, "internal error")
	}
	status := StatusFor(de.Code)
	resp := ErrorResponse{Error: string(de.Code)}
	if status < http.StatusInternalServerError {
		resp.ErrorDescription = de.Message
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, status, resp)
}

// StatusFor returns the HTTP status for a domain code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeValidation:
		return http.StatusUnprocessableEntity
	case dErrors.CodeUnauthorized, dErrors.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden, dErrors.CodeMissingConsent:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeDuplicateConsentRequest,
		dErrors.CodeInvalidTransition, dErrors.CodeTerminalState:
		return http.StatusConflict
	case dErrors.CodeTimeout, dErrors.CodeUnavailable,
		dErrors.CodeVersionConflict, dErrors.CodeConcurrentModification:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
