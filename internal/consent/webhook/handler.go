// Package webhook ingests gateway callbacks. The signature over the exact
// received bytes is the first gate; nothing in the body is trusted before it
// verifies.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consentd/internal/consent/metrics"
	"consentd/internal/consent/models"
	"consentd/internal/platform/middleware"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/httputil"
	"consentd/pkg/requestcontext"
)

// Tracker is the part of the consent service the ingestor drives.
type Tracker interface {
	ApplyTransition(ctx context.Context, consentRequestID string, ev models.Event) (*models.TransitionResult, error)
	RecordSignatureFailure(ctx context.Context, consentRequestID string, raw []byte) error
	RecordMalformedCallback(ctx context.Context, consentRequestID string, eventType models.EventType, raw []byte) error
}

// Config controls callback verification and processing bounds.
type Config struct {
	SignatureHeader string
	// TimestampHeader carries unix seconds. When TimestampTolerance is
	// non-zero the header is mandatory and the signed content becomes
	// "<timestamp>.<body>".
	TimestampHeader    string
	TimestampTolerance time.Duration
	ProcessingTimeout  time.Duration
	MaxBodyBytes       int64
}

const (
	DefaultSignatureHeader = "X-Gateway-Signature"
	DefaultTimestampHeader = "X-Gateway-Timestamp"
)

func (c Config) withDefaults() Config {
	if c.SignatureHeader == "" {
		c.SignatureHeader = DefaultSignatureHeader
	}
	if c.TimestampHeader == "" {
		c.TimestampHeader = DefaultTimestampHeader
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Callback is the gateway's body.
type Callback struct {
	ConsentRequestID string           `json:"consentRequestId"`
	EventType        models.EventType `json:"eventType"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
}

// grantPayload is the part of a GRANT payload the state machine needs.
// artifactDetails is retained verbatim inside the raw payload.
type grantPayload struct {
	Permission *models.Permission `json:"permission"`
}

// Handler serves POST /consents/callback.
type Handler struct {
	tracker  Tracker
	verifier Verifier
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func New(tracker Tracker, verifier Verifier, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		tracker:  tracker,
		verifier: verifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("consentd/internal/consent/webhook"),
	}
}

// Register mounts the callback route. The caller supplies the shared
// middleware chain; the gateway authenticates by signature, not bearer token.
func (h *Handler) Register(r chi.Router) {
	r.Post("/consents/callback", h.HandleCallback)
}

func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "consent.webhook.callback")
	defer span.End()
	requestID := middleware.GetRequestID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WarnContext(ctx, "gateway callback too large",
				"request_id", requestID,
				"limit", h.cfg.MaxBodyBytes,
			)
			h.respond(w, http.StatusRequestEntityTooLarge, httputil.ErrorResponse{Error: string(dErrors.CodeBadRequest), ErrorDescription: "request body too large"})
			return
		}
		h.writeError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read request body"))
		return
	}

	if !h.verify(ctx, r, body) {
		crid := locate(body)
		span.SetAttributes(attribute.Bool("consent.signature_ok", false))
		if err := h.tracker.RecordSignatureFailure(ctx, crid, body); err != nil {
			h.logger.ErrorContext(ctx, "failed to audit signature failure",
				"request_id", requestID,
				"error", err,
			)
		}
		h.writeError(w, dErrors.New(dErrors.CodeSignatureInvalid, "signature verification failed"))
		return
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil || strings.TrimSpace(cb.ConsentRequestID) == "" {
		h.malformed(ctx, w, cb, body, "callback must be JSON with a consentRequestId")
		return
	}
	if !cb.EventType.IsGatewayEvent() {
		h.malformed(ctx, w, cb, body, "eventType must be GRANT, REJECT or REVOKE")
		return
	}
	span.SetAttributes(
		attribute.String("consent.request_id", cb.ConsentRequestID),
		attribute.String("consent.event", string(cb.EventType)),
	)

	ev := models.Event{
		Type:              cb.EventType,
		Source:            audit.SourceWebhook,
		SignatureVerified: true,
		Raw:               body,
	}
	if cb.EventType == models.EventGrant {
		var gp grantPayload
		if len(cb.Payload) > 0 {
			if err := json.Unmarshal(cb.Payload, &gp); err != nil {
				h.malformed(ctx, w, cb, body, "payload.permission is not valid")
				return
			}
		}
		ev.Permission = gp.Permission
		ev.Payload = bytes.Clone(cb.Payload)
	}

	procCtx, cancel := context.WithTimeout(ctx, h.cfg.ProcessingTimeout)
	defer cancel()
	result, err := h.tracker.ApplyTransition(procCtx, cb.ConsentRequestID, ev)
	if err != nil {
		if procCtx.Err() != nil && !dErrors.HasCode(err, dErrors.CodeTimeout) {
			err = dErrors.Wrap(err, dErrors.CodeTimeout, "callback processing timed out")
		}
		h.writeError(w, err)
		return
	}

	h.respond(w, http.StatusOK, models.CallbackResponse{
		ConsentRequestID: cb.ConsentRequestID,
		Outcome:          string(result.Outcome),
		Status:           result.To,
	})
}

// verify checks the signature header, and the timestamp window when enabled.
func (h *Handler) verify(ctx context.Context, r *http.Request, body []byte) bool {
	sig := r.Header.Get(h.cfg.SignatureHeader)
	if sig == "" {
		return false
	}
	if h.cfg.TimestampTolerance <= 0 {
		return h.verifier.Verify(body, sig)
	}

	raw := r.Header.Get(h.cfg.TimestampHeader)
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	skew := requestcontext.Now(ctx).Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > h.cfg.TimestampTolerance {
		h.logger.WarnContext(ctx, "gateway callback timestamp outside tolerance",
			"request_id", middleware.GetRequestID(ctx),
			"skew", skew.String(),
		)
		return false
	}
	content := make([]byte, 0, len(raw)+1+len(body))
	content = append(content, raw...)
	content = append(content, '.')
	content = append(content, body...)
	return h.verifier.Verify(content, sig)
}

func (h *Handler) malformed(ctx context.Context, w http.ResponseWriter, cb Callback, body []byte, msg string) {
	if err := h.tracker.RecordMalformedCallback(ctx, cb.ConsentRequestID, cb.EventType, body); err != nil {
		h.logger.ErrorContext(ctx, "failed to audit malformed callback",
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	h.writeError(w, dErrors.New(dErrors.CodeBadRequest, msg))
}

// locate pulls the consent request id out of an unverified body, only to file
// the security audit entry under the right chain.
func locate(body []byte) string {
	var probe struct {
		ConsentRequestID string `json:"consentRequestId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if len(probe.ConsentRequestID) > 128 {
		return ""
	}
	return probe.ConsentRequestID
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	code := http.StatusInternalServerError
	if errors.As(err, &de) {
		code = httputil.StatusFor(de.Code)
	}
	h.metrics.IncWebhookResponse(strconv.Itoa(code))
	httputil.WriteError(w, err)
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	h.metrics.IncWebhookResponse(strconv.Itoa(status))
	httputil.WriteJSON(w, status, v)
}
