package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"consentd/internal/consent/handler/mocks"
	"consentd/internal/consent/models"
	"consentd/internal/consent/service"
	jwttoken "consentd/internal/jwt_token"
	dErrors "consentd/pkg/domain-errors"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/middleware/requesttime"
	"consentd/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/consent-mocks.go -package=mocks Service

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type ConsentHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
	token   string
}

func TestConsentHandlerSuite(t *testing.T) {
	suite.Run(t, new(ConsentHandlerSuite))
}

func (s *ConsentHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)

	jwtService := jwttoken.NewJWTService("test-signing-key", "consentd", "consentd-clients")
	token, err := jwtService.GenerateServiceToken("records-svc", "consents", time.Hour)
	s.Require().NoError(err)
	s.token = token

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	s.router.Use(requesttime.MiddlewareWithClock(func() time.Time { return now }))
	New(s.service, logger, jwttoken.NewJWTServiceAdapter(jwtService)).Register(s.router)
}

func (s *ConsentHandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req = testutil.WithBearer(req, s.token)
	}
	return testutil.DoRequest(s.router, req)
}

func granted() *models.Artifact {
	exp := now.Add(30 * 24 * time.Hour)
	grantedAt := now.Add(-time.Hour)
	return &models.Artifact{
		ID:               "a-1",
		ConsentRequestID: "c-1",
		PatientRef:       "P1",
		RequesterID:      "R1",
		Purpose:          "lab-review",
		HITypes:          []string{"DiagnosticReport"},
		Status:           models.StatusGranted,
		GrantedAt:        &grantedAt,
		ExpiresAt:        &exp,
		CreatedAt:        now.Add(-2 * time.Hour),
		Version:          2,
	}
}

func (s *ConsentHandlerSuite) TestRequiresServiceToken() {
	s.token = ""
	rr := s.do(http.MethodGet, "/consents/c-1", "")
	s.Equal(http.StatusUnauthorized, rr.Code)

	s.token = "not-a-token"
	rr = s.do(http.MethodGet, "/consents/c-1", "")
	s.Equal(http.StatusUnauthorized, rr.Code)
}

func (s *ConsentHandlerSuite) TestCreate() {
	s.Run("trims input and returns 201", func() {
		s.service.EXPECT().CreateRequest(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ any, req models.CreateRequest) (*models.Artifact, error) {
				s.Equal("P1", req.PatientRef)
				s.Equal([]string{"DiagnosticReport"}, req.HITypes)
				return &models.Artifact{
					ID:               "a-1",
					ConsentRequestID: "c-1",
					PatientRef:       req.PatientRef,
					RequesterID:      req.RequesterID,
					Status:           models.StatusRequested,
					CreatedAt:        now,
					Version:          1,
				}, nil
			})

		rr := s.do(http.MethodPost, "/consents",
			`{"consentRequestId":"c-1","patientRef":"  P1 ","requesterId":"R1","purpose":"lab-review","hiTypes":[" DiagnosticReport "]}`)
		s.Require().Equal(http.StatusCreated, rr.Code)
		var resp models.ArtifactSummary
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
		s.Equal(models.StatusRequested, resp.Status)
		s.False(resp.Active)
	})

	s.Run("duplicate maps to 409", func() {
		s.service.EXPECT().CreateRequest(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeDuplicateConsentRequest, "consent request already exists"))
		rr := s.do(http.MethodPost, "/consents", `{"consentRequestId":"c-1","patientRef":"P1","requesterId":"R1","purpose":"x","hiTypes":["A"]}`)
		s.Equal(http.StatusConflict, rr.Code)
	})

	s.Run("malformed json never reaches the service", func() {
		rr := s.do(http.MethodPost, "/consents", `{"patientRef":`)
		s.Equal(http.StatusBadRequest, rr.Code)
	})

	s.Run("non-json content type", func() {
		req := httptest.NewRequest(http.MethodPost, "/consents", strings.NewReader("patientRef=P1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := httptest.NewRecorder()
		s.router.ServeHTTP(rr, req)
		s.Equal(http.StatusUnsupportedMediaType, rr.Code)
	})
}

func (s *ConsentHandlerSuite) TestStatus() {
	s.service.EXPECT().GetStatus(gomock.Any(), "P1", "R1").Return([]*models.Artifact{granted()}, nil)

	rr := s.do(http.MethodGet, "/consents?patientRef=P1&requesterId=R1", "")
	s.Require().Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[models.StatusResponse](s.T(), rr)
	s.Require().Len(resp.Consents, 1)
	s.True(resp.Consents[0].Active)
	s.Equal(models.StatusGranted, resp.Consents[0].Status)
}

func (s *ConsentHandlerSuite) TestStatusRequiresPatient() {
	s.service.EXPECT().GetStatus(gomock.Any(), "", "").
		Return(nil, dErrors.New(dErrors.CodeValidation, "patientRef is required"))
	rr := s.do(http.MethodGet, "/consents", "")
	s.Equal(http.StatusUnprocessableEntity, rr.Code)
}

func (s *ConsentHandlerSuite) TestGet() {
	s.Run("found", func() {
		s.service.EXPECT().Get(gomock.Any(), "c-1").Return(granted(), nil)
		rr := s.do(http.MethodGet, "/consents/c-1", "")
		s.Equal(http.StatusOK, rr.Code)
	})
	s.Run("not found", func() {
		s.service.EXPECT().Get(gomock.Any(), "c-x").Return(nil, dErrors.New(dErrors.CodeNotFound, "consent request not found"))
		rr := s.do(http.MethodGet, "/consents/c-x", "")
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})
	s.Run("storage failure hides detail", func() {
		s.service.EXPECT().Get(gomock.Any(), "c-y").Return(nil, dErrors.New(dErrors.CodeUnavailable, "pq: connection refused"))
		rr := s.do(http.MethodGet, "/consents/c-y", "")
		s.Equal(http.StatusServiceUnavailable, rr.Code)
		s.Equal("1", rr.Header().Get("Retry-After"))
		s.NotContains(rr.Body.String(), "connection refused")
	})
}

func (s *ConsentHandlerSuite) TestRevoke() {
	s.Run("applied", func() {
		body := `{"reason":"patient request"}`
		s.service.EXPECT().Revoke(gomock.Any(), "c-1", []byte(body)).Return(&models.TransitionResult{
			Outcome: models.OutcomeApplied,
			From:    models.StatusGranted,
			To:      models.StatusRevoked,
		}, nil)
		rr := s.do(http.MethodPost, "/consents/c-1/revoke", body)
		s.Require().Equal(http.StatusOK, rr.Code)
		var resp models.CallbackResponse
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
		s.Equal(models.StatusRevoked, resp.Status)
		s.Equal(string(models.OutcomeApplied), resp.Outcome)
	})
	s.Run("terminal maps to 409", func() {
		s.service.EXPECT().Revoke(gomock.Any(), "c-2", gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeTerminalState, "consent is REJECTED"))
		rr := s.do(http.MethodPost, "/consents/c-2/revoke", "")
		s.Equal(http.StatusConflict, rr.Code)
	})
	s.Run("invalid body", func() {
		rr := s.do(http.MethodPost, "/consents/c-3/revoke", `{"reason":`)
		s.Equal(http.StatusBadRequest, rr.Code)
	})
}

func (s *ConsentHandlerSuite) TestAudit() {
	s.service.EXPECT().AuditTrail(gomock.Any(), "c-1").Return(&service.AuditTrail{
		Artifact:   granted(),
		ChainValid: true,
		Records: []audit.Record{
			{ID: "r1", Sequence: 1, ToStatus: "REQUESTED", Source: audit.SourceAPI, Outcome: audit.OutcomeApplied, HashPrev: audit.Genesis, HashCurr: "h1"},
			{ID: "r2", Sequence: 2, FromStatus: "REQUESTED", ToStatus: "GRANTED", Source: audit.SourceWebhook, Outcome: audit.OutcomeApplied, SourceEvent: []byte(`{"eventType":"GRANT"}`), HashPrev: "h1", HashCurr: "h2"},
		},
	}, nil)

	rr := s.do(http.MethodGet, "/consents/c-1/audit", "")
	s.Require().Equal(http.StatusOK, rr.Code)
	var resp models.AuditTrailResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	s.True(resp.ChainValid)
	s.Require().Len(resp.Records, 2)
	s.JSONEq(`{"eventType":"GRANT"}`, string(resp.Records[1].SourceEvent))
}

func (s *ConsentHandlerSuite) TestActiveFollowsRequestClock() {
	h := New(s.service, slog.New(slog.DiscardHandler), nil)
	s.service.EXPECT().Get(gomock.Any(), "c-1").Return(granted(), nil)

	req := testutil.NewRequest(s.T(), http.MethodGet, "/consents/c-1")
	req = testutil.WithServiceID(req, "records-svc")
	req = testutil.WithRequestTime(req, now.Add(31*24*time.Hour))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("consentRequestId", "c-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rr := httptest.NewRecorder()
	h.handleGet(rr, req)
	s.Require().Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[models.ArtifactSummary](s.T(), rr)
	s.Equal(models.StatusGranted, resp.Status)
	s.False(resp.Active, "stored status stays GRANTED but the artifact is past its expiry")
}
