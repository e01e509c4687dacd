// Package metadata records the caller's network identity on the request
// context so security-relevant audit and log lines can name it.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"consentd/pkg/requestcontext"
)

// ClientMetadata extracts client IP address and User-Agent from the request.
// This middleware should be applied early in the chain.
func ClientMetadata(trustProxyHeaders bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r, trustProxyHeaders), r.Header.Get("User-Agent"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest returns the client address. Forwarding headers are only
// honoured behind a trusted proxy; otherwise a caller could forge them.
func ClientIPFromRequest(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
