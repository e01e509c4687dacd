package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"consentd/pkg/platform/middleware/metadata"
)

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, errors.New("redis down")
}

func serve(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/consents/callback", nil)
	req.RemoteAddr = ip + ":40000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func chain(m *Middleware) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return metadata.ClientMetadata(false)(m.PerIP("callback")(ok))
}

func TestPerIPRejectsOverLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(NewInMemoryStore(), 2, time.Minute, slog.New(slog.DiscardHandler), WithMetrics(reg))
	h := chain(m)

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
	rr := serve(h, "10.0.0.1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = serve(h, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","error_description":"too many requests; retry later"}`, rr.Body.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rejected))

	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.2").Code)
}

func TestPerIPFailsOpen(t *testing.T) {
	m := New(failingStore{}, 1, time.Minute, slog.New(slog.DiscardHandler))
	h := chain(m)
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1").Code)
	}
}

func TestPerIPDisabled(t *testing.T) {
	m := New(failingStore{}, 0, time.Minute, slog.New(slog.DiscardHandler))
	rr := serve(chain(m), "10.0.0.1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}
