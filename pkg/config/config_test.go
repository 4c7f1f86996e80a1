package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.Equal(t, 10, cfg.Batch.MaxSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Batch.MaxAge)
	assert.Equal(t, 3, cfg.Offline.ReplayCap)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "8")
	t.Setenv("RETRY_STRATEGY", "linear")
	t.Setenv("BATCH_MAX_AGE", "25ms")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "linear", cfg.Retry.Strategy)
	assert.Equal(t, 25*time.Millisecond, cfg.Batch.MaxAge)
	assert.Equal(t, "localhost:6380", cfg.RedisAddr())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Setenv("RETRY_STRATEGY", "quadratic")
	_, err := Load()
	assert.Error(t, err)
}
