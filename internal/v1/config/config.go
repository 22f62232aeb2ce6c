package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Relay listener
	Port          int
	SendQueueSize int

	// Admin HTTP surface (metrics, health). 0 disables it.
	AdminPort int

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Admission rate limit for new connections, per client IP, in
	// ulule/limiter formatted-rate notation ("300-M"). "off" disables it.
	ConnRateLimit string

	AllowedOrigins string

	// OTLP collector address; empty disables tracing.
	OtelCollectorAddr string
}

// Defaults.
const (
	DefaultPort          = 12800
	DefaultAdminPort     = 8080
	DefaultSendQueueSize = 1024
	DefaultConnRateLimit = "300-M"
)

// ValidateEnv validates all relay environment variables and returns a
// Config object. Returns an error listing every invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = DefaultPort
	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("RELAY_PORT must be a valid port number between 1 and 65535 (got '%s')", v))
		} else {
			cfg.Port = port
		}
	}

	cfg.AdminPort = DefaultAdminPort
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("ADMIN_PORT must be a valid port number between 0 and 65535 (got '%s')", v))
		} else {
			cfg.AdminPort = port
		}
	}

	cfg.SendQueueSize = DefaultSendQueueSize
	if v := os.Getenv("RELAY_SEND_QUEUE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			errs = append(errs, fmt.Sprintf("RELAY_SEND_QUEUE must be a positive integer (got '%s')", v))
		} else {
			cfg.SendQueueSize = size
		}
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.ConnRateLimit = getEnvOrDefault("RATE_LIMIT_CONN_IP", DefaultConnRateLimit)
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// Development reports whether the process runs in development mode.
func (c *Config) Development() bool {
	return c.GoEnv == "development"
}

// RateLimitEnabled reports whether connection admission limiting is on.
func (c *Config) RateLimitEnabled() bool {
	return c.ConnRateLimit != "" && c.ConnRateLimit != "off"
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
