package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"consentd/pkg/platform/httputil"
	"consentd/pkg/requestcontext"
)

// Middleware limits requests per client IP. It fails open: a store error is
// logged and the request proceeds.
type Middleware struct {
	store    Store
	limit    int
	window   time.Duration
	logger   *slog.Logger
	rejected prometheus.Counter
}

type Option func(*Middleware)

// WithMetrics registers a counter of rejected requests.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Middleware) {
		m.rejected = promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "consentd_ratelimit_rejected_total",
			Help: "Requests rejected by the per-IP rate limiter",
		})
	}
}

func New(store Store, limit int, window time.Duration, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{store: store, limit: limit, window: window, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PerIP returns middleware that keys the window by scope and client IP.
// A non-positive limit disables it.
func (m *Middleware) PerIP(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)

			res, err := m.store.Allow(ctx, scope+":"+ip, m.limit, m.window)
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to check rate limit",
					"request_id", requestcontext.RequestID(ctx),
					"scope", scope,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				if m.rejected != nil {
					m.rejected.Inc()
				}
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"request_id", requestcontext.RequestID(ctx),
					"scope", scope,
					"client_ip", ip,
				)
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter(time.Now())))
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
					Error:            "rate_limit_exceeded",
					ErrorDescription: "too many requests; retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
