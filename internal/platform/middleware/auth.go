package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"consentd/pkg/requestcontext"
)

// JWTValidator defines the interface for validating service bearer tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	ServiceID string
	Scope     string
	JTI       string
}

// GetServiceID retrieves the authenticated collaborator service from the context
func GetServiceID(r *http.Request) string {
	return requestcontext.ServiceID(r.Context())
}

// RequireAuth admits requests carrying a valid collaborator service token.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeUnauthorized(w, logger, r, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeUnauthorized(w, logger, r, "Invalid or expired token")
				return
			}

			ctx = requestcontext.WithServiceID(ctx, claims.ServiceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, logger *slog.Logger, r *http.Request, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, err := w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to write unauthorized response",
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
	}
}
