// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the persistence endpoint.
package server

import (
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines the parameters for per-connection request rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the transport settings of the request endpoint.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	// HandlerTimeout bounds a single request, storage and hashing included.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxInFlight bounds concurrently running requests per connection.
	MaxInFlight int `yaml:"max_in_flight"`
}

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 64 << 10
	defaultBurst          = 200
	defaultHandlerTimeout = 10 * time.Second
	defaultMaxInFlight    = 32
)

// DefaultConfig returns a Config populated with default values for all settings.
// Front-end servers multiplex many users over one connection, so the limits
// are sized for a peer server rather than a browser.
func DefaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		HandlerTimeout: defaultHandlerTimeout,
		MaxInFlight:    defaultMaxInFlight,
	}
}

// Sanitize replaces unset or invalid values with defaults.
func (c Config) Sanitize() Config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaultHandlerTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// ApplyEnv overrides settings from environment variables read through
// getenv. Unparseable values keep the current setting.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseSeconds(interval, c.RateLimit.RefillInterval)
	}

	if timeout := getenv("HANDLER_TIMEOUT"); timeout != "" {
		c.HandlerTimeout = parseSeconds(timeout, c.HandlerTimeout)
	}

	if inflight := getenv("MAX_IN_FLIGHT"); inflight != "" {
		c.MaxInFlight = parseIntValue(inflight, c.MaxInFlight)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts a whole number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
