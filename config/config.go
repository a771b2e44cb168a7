package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the roadwatch service.
type Config struct {
	// Server configuration
	Port           string
	AllowedOrigins string

	// Roboflow upstream configuration
	RoboflowAPIKey string
	// InferenceEndpoint optionally overrides the upstream URL; empty
	// means the legacy detection host is derived from the model id.
	InferenceEndpoint   string
	DefaultModelID      string
	DefaultModelVersion string

	// Admin stats endpoint
	EndpointSecret  string
	TrustSameOrigin bool

	// Persistence
	DataDir       string
	StatsFilePath string

	// Image submissions larger than this many base64 characters are
	// rejected before any network call.
	MaxImageBase64Bytes int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		RoboflowAPIKey:      getEnv("ROBOFLOW_API_KEY", ""),
		InferenceEndpoint:   getEnv("ROBOFLOW_ENDPOINT", ""),
		DefaultModelID:      getEnv("ROBOFLOW_MODEL_ID", ""),
		DefaultModelVersion: getEnv("ROBOFLOW_MODEL_VERSION", ""),

		EndpointSecret:  getEnv("ROBOFLOW_ENDPOINT_SECRET", ""),
		TrustSameOrigin: getBoolEnv("TRUST_SAME_ORIGIN", false),

		DataDir:       getEnv("DATA_DIR", "./data"),
		StatsFilePath: getEnv("STATS_FILE", "./data/roboflow-stats.json"),

		MaxImageBase64Bytes: getIntEnv("MAX_IMAGE_BASE64_BYTES", 1_500_000),
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable or returns a default value.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
