package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 0.7, cfg.Fraud.FlagThreshold)
	assert.Equal(t, 5*time.Second, cfg.Fraud.SLA)
	assert.Equal(t, 0.5, cfg.Breaker.FailureRate)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"admin", "finance_manager"}, cfg.Auth.ApproverRoles)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FRAUD_FLAG_THRESHOLD", "0.8")
	t.Setenv("RETRY_BASE_DELAY", "50ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 0.8, cfg.Fraud.FlagThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payments.yaml")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR: \":9999\"\nBREAKER_MIN_CALLS: 10\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.Breaker.MinimumCalls)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cfg := base
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Fraud.FlagThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.Retry.MaxDelay = 0
	assert.Error(t, cfg.Validate())

	cfg = base
	assert.Error(t, cfg.ValidateServe(), "webhook secret and jwt secret are required")

	cfg.Processor.WebhookSecret = "whsec_test"
	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.ValidateServe())
}
