package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef" // 32 chars

func setRequired(t *testing.T) {
	t.Setenv("SFU_SECRET", testSecret)
	t.Setenv("PORT", "8080")
}

func TestValidateEnv(t *testing.T) {
	t.Run("should pass with minimal required env", func(t *testing.T) {
		setRequired(t)

		cfg, err := ValidateEnv()
		require.NoError(t, err)
		assert.Equal(t, testSecret, cfg.SFUSecret)
		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "https://meet.vireo.app", cfg.WebinarBaseURL)
		assert.Equal(t, 15*time.Second, cfg.DisconnectGrace)
		assert.Equal(t, 5*time.Minute, cfg.RoomCleanupAfter)
		assert.Equal(t, 10, cfg.QualityLowThreshold)
		assert.Equal(t, 7, cfg.QualityStandardThreshold)
		assert.Equal(t, 4, cfg.MediaWorkers)
		assert.True(t, cfg.AllowRoomCreation)
	})

	t.Run("should fail when SFU_SECRET missing", func(t *testing.T) {
		t.Setenv("SFU_SECRET", "")
		t.Setenv("PORT", "8080")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SFU_SECRET is required")
	})

	t.Run("should fail when SFU_SECRET too short", func(t *testing.T) {
		t.Setenv("SFU_SECRET", "tooshort")
		t.Setenv("PORT", "8080")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("should fail on invalid port", func(t *testing.T) {
		t.Setenv("SFU_SECRET", testSecret)
		t.Setenv("PORT", "99999")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PORT must be a valid port number")
	})

	t.Run("should collect multiple errors", func(t *testing.T) {
		t.Setenv("SFU_SECRET", "")
		t.Setenv("PORT", "")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.True(t, strings.Count(err.Error(), "\n") >= 1, "expected both errors listed")
	})

	t.Run("should reject inverted hysteresis thresholds", func(t *testing.T) {
		setRequired(t)
		t.Setenv("QUALITY_LOW_THRESHOLD", "5")
		t.Setenv("QUALITY_STANDARD_THRESHOLD", "9")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be lower than QUALITY_LOW_THRESHOLD")
	})

	t.Run("should validate redis addr only when enabled", func(t *testing.T) {
		setRequired(t)
		t.Setenv("REDIS_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "not-a-host-port")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REDIS_ADDR")

		t.Setenv("REDIS_ADDR", "redis:6379")
		cfg, err := ValidateEnv()
		require.NoError(t, err)
		assert.Equal(t, "redis:6379", cfg.RedisAddr)
	})

	t.Run("should bound grace and cleanup durations", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DISCONNECT_GRACE", "10m")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DISCONNECT_GRACE")

		t.Setenv("DISCONNECT_GRACE", "30s")
		t.Setenv("ROOM_CLEANUP_AFTER", "2m")
		cfg, err := ValidateEnv()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.DisconnectGrace)
		assert.Equal(t, 2*time.Minute, cfg.RoomCleanupAfter)
	})

	t.Run("should reject malformed webinar base url", func(t *testing.T) {
		setRequired(t)
		t.Setenv("WEBINAR_BASE_URL", "meet.vireo.app")

		_, err := ValidateEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "WEBINAR_BASE_URL")
	})
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:50051"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:notaport"))
	assert.False(t, isValidHostPort("host:0"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "01234567***", redactSecret(testSecret))
}
