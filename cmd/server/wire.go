package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consentd/internal/consent/expiry"
	"consentd/internal/consent/handler"
	consentmetrics "consentd/internal/consent/metrics"
	"consentd/internal/consent/service"
	"consentd/internal/consent/store"
	"consentd/internal/consent/webhook"
	jwttoken "consentd/internal/jwt_token"
	"consentd/internal/platform/config"
	"consentd/internal/platform/httpserver"
	"consentd/internal/platform/kafka"
	"consentd/internal/platform/metrics"
	"consentd/internal/platform/middleware"
	"consentd/internal/platform/postgres"
	"consentd/internal/platform/redis"
	"consentd/internal/ratelimit"
	audit "consentd/pkg/platform/audit"
	"consentd/pkg/platform/audit/publishers/compliance"
	kafkamirror "consentd/pkg/platform/audit/publishers/kafka"
	auditmemory "consentd/pkg/platform/audit/store/memory"
	auditpostgres "consentd/pkg/platform/audit/store/postgres"
	"consentd/pkg/platform/circuit"
	"consentd/pkg/platform/httputil"
	"consentd/pkg/platform/middleware/metadata"
	"consentd/pkg/platform/middleware/requesttime"
)

type app struct {
	server   *http.Server
	enforcer *expiry.Enforcer
	mirror   *compliance.QueuedMirror
	storage  string
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// backend is the storage selected by configuration.
type backend struct {
	artifacts store.Backend
	audit     audit.Store
	tx        service.TxRunner
	db        *sql.DB
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{storage: "memory"}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	consentMetrics := consentmetrics.New(reg)

	be, err := openBackend(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if be.db != nil {
		a.storage = "postgres"
		a.closers = append(a.closers, be.db.Close)
	}

	auditOpts := []compliance.Option{
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	}
	kc, err := kafka.New(ctx, cfg.Kafka)
	if err != nil {
		return nil, err
	}
	if kc != nil {
		a.closers = append(a.closers, func() error { kc.Close(); return nil })
		producer := kafkamirror.New(kc, kc.Topic(), cfg.Kafka.ProduceTimeout,
			kafkamirror.WithBreaker(circuit.New("kafka-audit-mirror")),
		)
		a.mirror = compliance.NewQueuedMirror(producer, 1024, log)
		auditOpts = append(auditOpts, compliance.WithMirror(a.mirror))
		log.Info("mirroring audit records to kafka", "topic", kc.Topic())
	}
	auditLog := compliance.New(be.audit, auditOpts...)
	a.closers = append(a.closers, auditLog.Close)

	consentService := service.New(be.artifacts, auditLog,
		service.WithLogger(log),
		service.WithMetrics(consentMetrics),
		service.WithTxRunner(be.tx),
		service.WithMaxRetries(cfg.Tracker.MaxRetries),
	)

	verifier, err := newVerifier(cfg.Webhook)
	if err != nil {
		return nil, err
	}
	callbacks := webhook.New(consentService, verifier, webhook.Config{
		SignatureHeader:    cfg.Webhook.SignatureHeader,
		TimestampHeader:    cfg.Webhook.TimestampHeader,
		TimestampTolerance: cfg.Webhook.TimestampTolerance,
		ProcessingTimeout:  cfg.Webhook.ProcessingTimeout,
		MaxBodyBytes:       cfg.Webhook.MaxBodyBytes,
	}, log, consentMetrics)

	jwtService := jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
	consents := handler.New(consentService, log, jwttoken.NewJWTServiceAdapter(jwtService))

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	var lease expiry.Lease = expiry.LocalLease{}
	if rc != nil {
		a.closers = append(a.closers, rc.Close)
		lease = expiry.NewRedisLease(rc.Client, cfg.Expiry.LeaseKey)
	}
	a.enforcer = expiry.New(be.artifacts, consentService, lease, expiry.Config{
		Interval:     cfg.Expiry.Interval,
		BatchTimeout: cfg.Expiry.BatchTimeout,
		BatchSize:    cfg.Expiry.BatchSize,
		Concurrency:  cfg.Expiry.Concurrency,
	}, log, consentMetrics)

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(metadata.ClientMetadata(cfg.Server.TrustProxyHeaders))
	r.Use(requesttime.Middleware)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(middleware.LatencyMiddleware(metrics.NewHTTP(reg)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(be.db, rc, kc))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	var limitStore ratelimit.Store = ratelimit.NewInMemoryStore()
	if rc != nil {
		limitStore = ratelimit.NewRedisStore(rc.Client, "consentd:ratelimit:")
	}
	limiter := ratelimit.New(limitStore, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow, log, ratelimit.WithMetrics(reg))
	r.Group(func(r chi.Router) {
		r.Use(limiter.PerIP("gateway-callback"))
		callbacks.Register(r)
	})
	consents.Register(r)

	a.server = httpserver.New(cfg.Server.Addr, r, cfg.Server.RequestTimeout)
	ok = true
	return a, nil
}

func openBackend(ctx context.Context, cfg config.Database, log *slog.Logger) (backend, error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set; consent artifacts and audit records are kept in memory")
		return backend{
			artifacts: store.NewInMemory(),
			audit:     auditmemory.NewInMemoryStore(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return backend{}, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return backend{}, err
	}
	policy := store.DefaultRetryPolicy
	if cfg.Retries > 0 {
		policy.Attempts = cfg.Retries
	}
	return backend{
		artifacts: store.WithRetry(store.NewPostgres(db), policy),
		audit:     auditpostgres.New(db),
		tx:        postgres.NewTxRunner(db, cfg.TxTimeout),
		db:        db,
	}, nil
}

func newVerifier(cfg config.Webhook) (webhook.Verifier, error) {
	var publicKey []byte
	if cfg.PublicKeyFile != "" {
		b, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read webhook public key: %w", err)
		}
		publicKey = b
	}
	return webhook.NewVerifier(cfg.SignatureScheme, []byte(cfg.Secret), publicKey)
}

func readiness(db *sql.DB, rc *redis.Client, kc *kafka.Client) http.HandlerFunc {
	checks := map[string]func(context.Context) error{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if rc != nil {
		checks["redis"] = rc.Health
	}
	if kc != nil {
		checks["kafka"] = kc.Health
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		httputil.WriteJSON(w, code, status)
	}
}
