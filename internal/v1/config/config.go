package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	SFUSecret string
	Port      string

	// Identity / deployment
	InstanceID     string
	Version        string
	WebinarBaseURL string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool

	// Redis (optional distributed mode)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Host credential validation (optional; HMAC fallback on SFUSecret)
	AuthJWKSDomain string
	AuthAudience   string

	// Room policy
	AllowRoomCreation bool
	DisconnectGrace   time.Duration
	RoomCleanupAfter  time.Duration

	// Quality adaptation hysteresis
	QualityLowThreshold      int
	QualityStandardThreshold int

	// Media engine
	MediaWorkers int

	// Rate Limits (ulule format, M = minute, H = hour)
	RateLimitAPIGlobal string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: SFU_SECRET (minimum 32 characters; MAC key for invite codes
	// and webinar link signing)
	cfg.SFUSecret = os.Getenv("SFU_SECRET")
	if cfg.SFUSecret == "" {
		errors = append(errors, "SFU_SECRET is required")
	} else if len(cfg.SFUSecret) < 32 {
		errors = append(errors, fmt.Sprintf("SFU_SECRET must be at least 32 characters (got %d)", len(cfg.SFUSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.InstanceID = getEnvOrDefault("INSTANCE_ID", "sfu-0")
	cfg.Version = getEnvOrDefault("VERSION", "dev")
	cfg.WebinarBaseURL = getEnvOrDefault("WEBINAR_BASE_URL", "https://meet.vireo.app")
	if !strings.HasPrefix(cfg.WebinarBaseURL, "http://") && !strings.HasPrefix(cfg.WebinarBaseURL, "https://") {
		errors = append(errors, fmt.Sprintf("WEBINAR_BASE_URL must be an http(s) URL (got '%s')", cfg.WebinarBaseURL))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.AuthJWKSDomain = os.Getenv("AUTH_JWKS_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")

	cfg.AllowRoomCreation = os.Getenv("ALLOW_ROOM_CREATION") != "false"

	var err error
	cfg.DisconnectGrace, err = parseDurationEnv("DISCONNECT_GRACE", 15*time.Second, time.Second, 2*time.Minute)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.RoomCleanupAfter, err = parseDurationEnv("ROOM_CLEANUP_AFTER", 5*time.Minute, 30*time.Second, 30*time.Minute)
	if err != nil {
		errors = append(errors, err.Error())
	}

	cfg.QualityLowThreshold = parseIntEnv("QUALITY_LOW_THRESHOLD", 10)
	cfg.QualityStandardThreshold = parseIntEnv("QUALITY_STANDARD_THRESHOLD", 7)
	if cfg.QualityStandardThreshold >= cfg.QualityLowThreshold {
		errors = append(errors, fmt.Sprintf(
			"QUALITY_STANDARD_THRESHOLD (%d) must be lower than QUALITY_LOW_THRESHOLD (%d) to prevent flapping",
			cfg.QualityStandardThreshold, cfg.QualityLowThreshold))
	}

	cfg.MediaWorkers = parseIntEnv("MEDIA_WORKERS", 4)
	if cfg.MediaWorkers < 1 || cfg.MediaWorkers > 64 {
		errors = append(errors, fmt.Sprintf("MEDIA_WORKERS must be between 1 and 64 (got %d)", cfg.MediaWorkers))
	}

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

func parseDurationEnv(key string, def, min, max time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s must be a duration like '15s' or '5m' (got '%s')", key, raw)
	}
	if d < min || d > max {
		return def, fmt.Errorf("%s must be between %s and %s (got %s)", key, min, max, d)
	}
	return d, nil
}

func parseIntEnv(key string, def int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "raw", raw, "default", def)
		return def
	}
	return n
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"sfu_secret", redactSecret(cfg.SFUSecret),
		"port", cfg.Port,
		"instance_id", cfg.InstanceID,
		"version", cfg.Version,
		"webinar_base_url", cfg.WebinarBaseURL,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"allow_room_creation", cfg.AllowRoomCreation,
		"disconnect_grace", cfg.DisconnectGrace,
		"room_cleanup_after", cfg.RoomCleanupAfter,
		"quality_low_threshold", cfg.QualityLowThreshold,
		"quality_standard_threshold", cfg.QualityStandardThreshold,
		"media_workers", cfg.MediaWorkers,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
