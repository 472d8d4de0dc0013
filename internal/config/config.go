// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the aggregation service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	MaxSlots          int           // Upper bound on slotCount for new records
	PublicURL         string        // Externally reachable base URL of this service
	PrincipalHeader   string        // Header carrying the caller identity set by the upstream gateway
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	port := GetEnv("PORT", "8080")
	return &ServiceConfig{
		Port:              port,
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		MaxSlots:          GetIntEnv("MAX_SLOTS", 64),
		PublicURL:         GetEnv("PUBLIC_URL", "http://localhost:"+port),
		PrincipalHeader:   GetEnv("PRINCIPAL_HEADER", "X-Principal-ID"),
	}
}
