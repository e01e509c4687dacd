package httpserver

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// New builds an HTTP server with sane defaults for this project. Every request
// gets a server span, so the spans started by the consent service nest under
// it. The write timeout leaves headroom over the per-request timeout so
// handlers can still answer with a retryable status.
func New(addr string, handler http.Handler, requestTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(handler, "consentd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
