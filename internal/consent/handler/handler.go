// Package handler serves the collaborator-facing consent API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"consentd/internal/consent/models"
	"consentd/internal/consent/service"
	"consentd/internal/platform/middleware"
	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/httputil"
	"consentd/pkg/requestcontext"
)

const maxRequestBytes = 64 << 10

// Service defines the consent operations exposed to collaborators.
type Service interface {
	CreateRequest(ctx context.Context, req models.CreateRequest) (*models.Artifact, error)
	GetStatus(ctx context.Context, patientRef, requesterID string) ([]*models.Artifact, error)
	Get(ctx context.Context, consentRequestID string) (*models.Artifact, error)
	Revoke(ctx context.Context, consentRequestID string, raw []byte) (*models.TransitionResult, error)
	AuditTrail(ctx context.Context, consentRequestID string) (*service.AuditTrail, error)
}

// Handler handles consent request endpoints.
type Handler struct {
	logger       *slog.Logger
	consent      Service
	jwtValidator middleware.JWTValidator
}

// New creates a new consent Handler.
func New(consent Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		consent:      consent,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the consent routes behind service authentication. Shared
// request middleware is applied by the caller's router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		r.Post("/consents", h.handleCreate)
		r.Get("/consents", h.handleStatus)
		r.Get("/consents/{consentRequestId}", h.handleGet)
		r.Post("/consents/{consentRequestId}/revoke", h.handleRevoke)
		r.Get("/consents/{consentRequestId}/audit", h.handleAudit)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req models.CreateRequest
	if err := decode(w, r, &req); err != nil {
		h.logger.WarnContext(ctx, "invalid create consent request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	sanitize(&req)

	artifact, err := h.consent.CreateRequest(ctx, req)
	if err != nil {
		h.fail(ctx, w, err, "failed to create consent request")
		return
	}
	h.logger.InfoContext(ctx, "consent request created",
		"request_id", requestID,
		"service_id", requestcontext.ServiceID(ctx),
		"consent_request_id", artifact.ConsentRequestID,
	)
	httputil.WriteJSON(w, http.StatusCreated, models.NewSummary(artifact, requestcontext.Now(ctx)))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	artifacts, err := h.consent.GetStatus(ctx, q.Get("patientRef"), q.Get("requesterId"))
	if err != nil {
		h.fail(ctx, w, err, "failed to query consent status")
		return
	}
	now := requestcontext.Now(ctx)
	resp := models.StatusResponse{Consents: make([]models.ArtifactSummary, 0, len(artifacts))}
	for _, a := range artifacts {
		resp.Consents = append(resp.Consents, models.NewSummary(a, now))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	artifact, err := h.consent.Get(ctx, chi.URLParam(r, "consentRequestId"))
	if err != nil {
		h.fail(ctx, w, err, "failed to get consent request")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.NewSummary(artifact, requestcontext.Now(ctx)))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	crid := chi.URLParam(r, "consentRequestId")

	// The body is optional; when present it is kept verbatim for the audit record.
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if len(raw) > 0 {
		var req models.RevokeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}

	result, err := h.consent.Revoke(ctx, crid, raw)
	if err != nil {
		h.fail(ctx, w, err, "failed to revoke consent")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.CallbackResponse{
		ConsentRequestID: crid,
		Outcome:          string(result.Outcome),
		Status:           result.To,
	})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	crid := chi.URLParam(r, "consentRequestId")

	trail, err := h.consent.AuditTrail(ctx, crid)
	if err != nil {
		h.fail(ctx, w, err, "failed to read audit trail")
		return
	}
	resp := models.AuditTrailResponse{
		ConsentRequestID: crid,
		ChainValid:       trail.ChainValid,
		Records:          make([]models.AuditEntry, 0, len(trail.Records)),
	}
	for _, rec := range trail.Records {
		resp.Records = append(resp.Records, models.NewAuditEntry(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// fail logs at a level matching the error class and writes the mapped response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	code := dErrors.CodeOf(err)
	level := slog.LevelWarn
	if httputil.StatusFor(code) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
	httputil.WriteError(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
