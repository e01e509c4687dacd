package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestLoadFromEnv(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"WEBHOOK_SECRET":              "s3cret",
		"JWT_SIGNING_KEY":             "signing",
		"DATABASE_URL":                "postgres://localhost/consent",
		"KAFKA_BROKERS":               "k1:9092, k2:9092,",
		"WEBHOOK_TIMESTAMP_TOLERANCE": "5m",
		"EXPIRY_CONCURRENCY":          "4",
		"WEBHOOK_RATE_LIMIT":          "0",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.Equal(t, "postgres://localhost/consent", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.TimestampTolerance)
	assert.Equal(t, 4, cfg.Expiry.Concurrency)
	assert.Equal(t, 5, cfg.Tracker.MaxRetries)
	assert.Equal(t, 0, cfg.Webhook.RateLimit)
	assert.Equal(t, time.Minute, cfg.Webhook.RateWindow)
}

func TestLoadFromFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
webhook:
  signature_scheme: jws-detached
  public_key_file: /etc/consentd/gateway.pem
  timestamp_tolerance: 2m
auth:
  jwt_signing_key: from-file
expiry:
  interval: 15s
tracker:
  max_retries: 2
`), 0o600))

	cfg, err := LoadFrom(env(map[string]string{
		"CONSENTD_CONFIG": path,
		"JWT_SIGNING_KEY": "from-env",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "jws-detached", cfg.Webhook.SignatureScheme)
	assert.Equal(t, 2*time.Minute, cfg.Webhook.TimestampTolerance)
	assert.Equal(t, 15*time.Second, cfg.Expiry.Interval)
	assert.Equal(t, 2, cfg.Tracker.MaxRetries)
	assert.Equal(t, "from-env", cfg.Auth.JWTSigningKey)
	// untouched defaults survive the file
	assert.Equal(t, 10*time.Second, cfg.Webhook.ProcessingTimeout)
}

func TestValidate(t *testing.T) {
	_, err := LoadFrom(env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")
	assert.Contains(t, err.Error(), "auth.jwt_signing_key")

	_, err = LoadFrom(env(map[string]string{
		"WEBHOOK_SECRET":           "s",
		"JWT_SIGNING_KEY":          "k",
		"WEBHOOK_SIGNATURE_SCHEME": "md5",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown webhook.signature_scheme")

	_, err = LoadFrom(env(map[string]string{
		"WEBHOOK_SECRET":        "s",
		"JWT_SIGNING_KEY":       "k",
		"EXPIRY_SWEEP_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXPIRY_SWEEP_INTERVAL")

	_, err = LoadFrom(env(map[string]string{
		"WEBHOOK_SECRET":      "s",
		"JWT_SIGNING_KEY":     "k",
		"WEBHOOK_RATE_WINDOW": "0s",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.rate_window")
}
