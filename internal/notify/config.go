package notify

import (
	"time"

	"aggregator/internal/config"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds webhook delivery configuration.
type Config struct {
	URL         string        // webhook endpoint; empty disables delivery
	SigningKey  string        // HMAC key, empty = unsigned
	Source      string        // CloudEvent source attribute
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent deliveries (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	breakerCooldown time.Duration
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", "")),
		Source:      config.GetEnv("CALLBACK_SOURCE", "aggregator"),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

// Enabled reports whether a webhook URL is configured.
func (c Config) Enabled() bool { return c.URL != "" }

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "aggregator"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.breakerCooldown <= 0 {
		c.breakerCooldown = defaultBreakerCooldown
	}
	return c
}
