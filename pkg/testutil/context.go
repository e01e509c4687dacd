package testutil

import (
	"net/http"
	"time"

	"consentd/pkg/requestcontext"
)

// WithServiceID marks the request as authenticated for serviceID, the state
// RequireAuth leaves behind for collaborator calls.
func WithServiceID(req *http.Request, serviceID string) *http.Request {
	return req.WithContext(requestcontext.WithServiceID(req.Context(), serviceID))
}

// WithRequestTime pins the request clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}

// WithBearer sets an Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
