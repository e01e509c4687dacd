package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Defaults are applied first, then
// the optional YAML file named by CONSENTD_CONFIG, then environment variables.
type Config struct {
	Server   Server      `yaml:"server"`
	Auth     Auth        `yaml:"auth"`
	Webhook  Webhook     `yaml:"webhook"`
	Database Database    `yaml:"database"`
	Redis    RedisConfig `yaml:"redis"`
	Kafka    Kafka       `yaml:"kafka"`
	Expiry   Expiry      `yaml:"expiry"`
	Tracker  Tracker     `yaml:"tracker"`
	Log      Log         `yaml:"log"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr              string        `yaml:"addr"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
}

// Auth configures service tokens for the collaborator API.
type Auth struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
	JWTIssuer     string `yaml:"jwt_issuer"`
	JWTAudience   string `yaml:"jwt_audience"`
}

// Webhook configures gateway callback verification.
type Webhook struct {
	SignatureScheme    string        `yaml:"signature_scheme"`
	Secret             string        `yaml:"secret"`
	PublicKeyFile      string        `yaml:"public_key_file"`
	SignatureHeader    string        `yaml:"signature_header"`
	TimestampHeader    string        `yaml:"timestamp_header"`
	TimestampTolerance time.Duration `yaml:"timestamp_tolerance"`
	ProcessingTimeout  time.Duration `yaml:"processing_timeout"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	// RateLimit caps callbacks per client IP per RateWindow. Zero disables it.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// Database selects the PostgreSQL backend. An empty URL keeps everything in memory.
type Database struct {
	URL       string        `yaml:"url"`
	TxTimeout time.Duration `yaml:"tx_timeout"`
	Retries   int           `yaml:"retries"`
}

// RedisConfig enables the distributed sweep lease. Optional.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Kafka enables mirroring of committed audit records. Optional.
type Kafka struct {
	Brokers        []string      `yaml:"brokers"`
	AuditTopic     string        `yaml:"audit_topic"`
	Partitions     int32         `yaml:"partitions"`
	ProduceTimeout time.Duration `yaml:"produce_timeout"`
}

// Expiry configures the sweep.
type Expiry struct {
	Interval     time.Duration `yaml:"interval"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	LeaseKey     string        `yaml:"lease_key"`
}

// Tracker bounds the optimistic-concurrency retry loop.
type Tracker struct {
	MaxRetries int `yaml:"max_retries"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns a config that runs locally with in-memory storage.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: Auth{
			JWTIssuer:   "consentd",
			JWTAudience: "consentd-api",
		},
		Webhook: Webhook{
			SignatureScheme:   "hmac-sha256",
			SignatureHeader:   "X-Gateway-Signature",
			TimestampHeader:   "X-Gateway-Timestamp",
			ProcessingTimeout: 10 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimit:         600,
			RateWindow:        time.Minute,
		},
		Database: Database{
			TxTimeout: 5 * time.Second,
			Retries:   3,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{
			AuditTopic:     "consent-audit",
			Partitions:     6,
			ProduceTimeout: 5 * time.Second,
		},
		Expiry: Expiry{
			Interval:     time.Minute,
			BatchTimeout: 30 * time.Second,
			BatchSize:    500,
			Concurrency:  8,
			LeaseKey:     "consentd:expiry-sweep",
		},
		Tracker: Tracker{MaxRetries: 5},
		Log:     Log{Level: "info"},
	}
}

// Load builds the config from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds the config using getenv for every lookup.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("CONSENTD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("CONSENTD_ADDR", &cfg.Server.Addr)
	dur("CONSENTD_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	if v := getenv("CONSENTD_TRUST_PROXY_HEADERS"); v != "" {
		cfg.Server.TrustProxyHeaders = v == "true"
	}

	str("JWT_SIGNING_KEY", &cfg.Auth.JWTSigningKey)
	str("JWT_ISSUER", &cfg.Auth.JWTIssuer)
	str("JWT_AUDIENCE", &cfg.Auth.JWTAudience)

	str("WEBHOOK_SIGNATURE_SCHEME", &cfg.Webhook.SignatureScheme)
	str("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	str("WEBHOOK_PUBLIC_KEY_FILE", &cfg.Webhook.PublicKeyFile)
	str("WEBHOOK_SIGNATURE_HEADER", &cfg.Webhook.SignatureHeader)
	dur("WEBHOOK_TIMESTAMP_TOLERANCE", &cfg.Webhook.TimestampTolerance)
	dur("WEBHOOK_PROCESSING_TIMEOUT", &cfg.Webhook.ProcessingTimeout)
	num("WEBHOOK_RATE_LIMIT", &cfg.Webhook.RateLimit)
	dur("WEBHOOK_RATE_WINDOW", &cfg.Webhook.RateWindow)

	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	if v := getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("KAFKA_AUDIT_TOPIC", &cfg.Kafka.AuditTopic)

	dur("EXPIRY_SWEEP_INTERVAL", &cfg.Expiry.Interval)
	dur("EXPIRY_BATCH_TIMEOUT", &cfg.Expiry.BatchTimeout)
	num("EXPIRY_CONCURRENCY", &cfg.Expiry.Concurrency)
	num("TRACKER_MAX_RETRIES", &cfg.Tracker.MaxRetries)
	str("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

// Validate rejects configurations that would start an insecure or broken
// process.
func (c Config) Validate() error {
	var errs []error
	switch c.Webhook.SignatureScheme {
	case "hmac-sha256":
		if c.Webhook.Secret == "" {
			errs = append(errs, errors.New("webhook.secret is required for hmac-sha256"))
		}
	case "jws-detached":
		if c.Webhook.PublicKeyFile == "" {
			errs = append(errs, errors.New("webhook.public_key_file is required for jws-detached"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown webhook.signature_scheme %q", c.Webhook.SignatureScheme))
	}
	if c.Auth.JWTSigningKey == "" {
		errs = append(errs, errors.New("auth.jwt_signing_key is required"))
	}
	if c.Expiry.Interval <= 0 {
		errs = append(errs, errors.New("expiry.interval must be positive"))
	}
	if c.Expiry.Concurrency < 1 {
		errs = append(errs, errors.New("expiry.concurrency must be at least 1"))
	}
	if c.Webhook.RateLimit > 0 && c.Webhook.RateWindow <= 0 {
		errs = append(errs, errors.New("webhook.rate_window must be positive when rate_limit is set"))
	}
	if c.Tracker.MaxRetries < 0 {
		errs = append(errs, errors.New("tracker.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
