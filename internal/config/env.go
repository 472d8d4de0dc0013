package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// parsed returns the parsed value of key, or defaultValue when the variable
// is unset or malformed. Malformed values are logged so a typo in a
// deployment manifest does not silently fall back.
func parsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := parse(value)
	if err != nil {
		slog.Warn("Ignoring malformed environment variable", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return v
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return parsed(key, defaultValue, strconv.Atoi)
}

// GetInt64Env returns an int64 environment variable or a default.
func GetInt64Env(key string, defaultValue int64) int64 {
	return parsed(key, defaultValue, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

// GetFloatEnv returns a float environment variable or a default.
func GetFloatEnv(key string, defaultValue float64) float64 {
	return parsed(key, defaultValue, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetDurationEnv returns a duration environment variable such as "250ms"
// or a default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return parsed(key, defaultValue, time.ParseDuration)
}

// GetSecretFile reads a secret mounted as a file, trimming surrounding
// whitespace. An empty path or unreadable file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Secret file unreadable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
