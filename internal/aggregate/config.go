package aggregate

import (
	"time"

	"aggregator/internal/config"
	"aggregator/internal/record"
	"aggregator/pkg/circuitbreaker"
)

// Config configures the pipeline.
type Config struct {
	MaxSlots          int
	EventSource       string
	CompletionRetries int
	Gateway           GatewayConfig
	Materializer      MaterializerConfig
}

// LoadConfigFromEnv reads pipeline settings from the environment.
func LoadConfigFromEnv() Config {
	return Config{
		MaxSlots:          config.GetIntEnv("MAX_SLOTS", record.DefaultMaxSlots),
		EventSource:       config.GetEnv("CALLBACK_SOURCE", "aggregator"),
		CompletionRetries: config.GetIntEnv("COMPLETION_RETRIES", 3),
		Gateway: GatewayConfig{
			SubmitRPS:   config.GetFloatEnv("PROVIDER_SUBMIT_RPS", 0),
			SubmitBurst: config.GetIntEnv("PROVIDER_SUBMIT_BURST", 1),
		},
		Materializer: MaterializerConfig{
			MaxRetries: config.GetIntEnv("MATERIALIZE_RETRIES", DefaultMaterializeRetries),
			MaxBytes:   config.GetInt64Env("MATERIALIZE_MAX_BYTES", DefaultMaterializeMaxBytes),
			HostBreaker: circuitbreaker.Config{
				Threshold: config.GetIntEnv("MATERIALIZE_BREAKER_THRESHOLD", 5),
				Cooldown:  config.GetDurationEnv("MATERIALIZE_BREAKER_COOLDOWN", 30*time.Second),
			},
		},
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSlots <= 0 {
		c.MaxSlots = record.DefaultMaxSlots
	}
	if c.CompletionRetries <= 0 {
		c.CompletionRetries = 3
	}
	return c
}
