package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// External store (Postgres). Optional: when DBEnabled is false the
	// engine runs fully in memory and skips persistence/replay.
	DBEnabled  bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Session tokens. When JWTSecret is set, ws upgrades carrying a
	// token query parameter are validated against it.
	JWTSecret string

	// Rate limits
	RateLimitWsIP string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: store coordinates (required if DB_ENABLED=true)
	cfg.DBEnabled = os.Getenv("DB_ENABLED") == "true"
	if cfg.DBEnabled {
		cfg.DBHost = getEnvOrDefault("DB_HOST", "localhost")
		cfg.DBPort = getEnvOrDefault("DB_PORT", "5432")
		if _, err := strconv.Atoi(cfg.DBPort); err != nil {
			errs = append(errs, fmt.Sprintf("DB_PORT must be numeric (got '%s')", cfg.DBPort))
		}
		cfg.DBUser = os.Getenv("DB_USER")
		if cfg.DBUser == "" {
			errs = append(errs, "DB_USER is required when DB_ENABLED=true")
		}
		cfg.DBPassword = os.Getenv("DB_PASSWORD")
		cfg.DBName = os.Getenv("DB_NAME")
		if cfg.DBName == "" {
			errs = append(errs, "DB_NAME is required when DB_ENABLED=true")
		}
	}

	// Optional: JWT_SECRET (minimum 32 characters when provided)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// DSN builds the Postgres connection string from the store coordinates.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"db_enabled", cfg.DBEnabled,
		"db_host", cfg.DBHost,
		"db_name", cfg.DBName,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
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
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
