package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "STRIPE_API_KEY",
		"GATEWAY_TIMEOUT", "SWEEP_INTERVAL", "EXPIRY_INTERVAL",
		"SWEEP_BATCH_SIZE", "DEAD_LETTER_WINDOW", "RELOAD_COOLDOWN",
		"RELOAD_BATCH_SIZE", "ORPHAN_GRACE", "ADMIN_SECRET",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultExpiryInterval, cfg.ExpiryInterval)
	assert.Equal(t, DefaultSweepBatchSize, cfg.SweepBatchSize)
	assert.Equal(t, DefaultDeadLetterWindow, cfg.DeadLetterWindow)
	assert.Equal(t, DefaultReloadCooldown, cfg.ReloadCooldown)
	assert.Equal(t, DefaultReloadBatchSize, cfg.ReloadBatchSize)
	assert.Equal(t, DefaultOrphanGrace, cfg.OrphanGrace)
	assert.Empty(t, cfg.DatabaseURL)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://localhost/relaybill")
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("DEAD_LETTER_WINDOW", "48h")
	t.Setenv("SWEEP_BATCH_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 48*time.Hour, cfg.DeadLetterWindow)
	assert.Equal(t, 25, cfg.SweepBatchSize)
}

func TestLoad_RequiresStripeKeyWithDatabase(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/relaybill")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY")
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestValidate_RejectsNonPositiveBatchSizes(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWEEP_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWEEP_BATCH_SIZE")
}
