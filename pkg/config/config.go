// Package config holds process-level settings. Environment variables
// are the last-resort defaults; per-organization configuration stored
// in the database overrides them (see pkg/org).
package config

import (
	"os"
	"strconv"
)

// Settings are the process-level defaults read from the environment.
type Settings struct {
	// Signing secret for native LAMB JWTs.
	JWTSecret string

	// Legacy identity service consulted when native JWT decoding
	// fails. Empty disables the legacy fallback.
	LegacyAuthURL string

	// Provider defaults.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaBaseURL string

	// Knowledge base server defaults.
	KBServerURL string
	KBAPIToken  string

	// Embeddings defaults.
	EmbeddingsURL    string
	EmbeddingsAPIKey string
	EmbeddingsModel  string

	// Small-fast-model defaults.
	SmallFastModelBaseURL string
	SmallFastModelAPIKey  string
	SmallFastModel        string

	// LMS web-service endpoint for identity resolution.
	LMSWebServiceURL   string
	LMSWebServiceToken string

	Database DatabaseConfig

	LogLevel  string
	LogFormat string

	ListenAddr string
}

// FromEnv builds Settings from the process environment. Call
// LoadEnvFiles first if .env files should participate.
func FromEnv() *Settings {
	return &Settings{
		JWTSecret:             os.Getenv("LAMB_JWT_SECRET"),
		LegacyAuthURL:         os.Getenv("LAMB_LEGACY_AUTH_URL"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         getEnvDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OllamaBaseURL:         getEnvDefault("OLLAMA_BASE_URL", "http://localhost:11434"),
		KBServerURL:           os.Getenv("LAMB_KB_SERVER_URL"),
		KBAPIToken:            os.Getenv("LAMB_KB_API_TOKEN"),
		EmbeddingsURL:         os.Getenv("LAMB_EMBEDDINGS_URL"),
		EmbeddingsAPIKey:      os.Getenv("LAMB_EMBEDDINGS_API_KEY"),
		EmbeddingsModel:       os.Getenv("LAMB_EMBEDDINGS_MODEL"),
		SmallFastModelBaseURL: os.Getenv("LAMB_SMALL_FAST_BASE_URL"),
		SmallFastModelAPIKey:  os.Getenv("LAMB_SMALL_FAST_API_KEY"),
		SmallFastModel:        os.Getenv("LAMB_SMALL_FAST_MODEL"),
		LMSWebServiceURL:      os.Getenv("LAMB_LMS_WS_URL"),
		LMSWebServiceToken:    os.Getenv("LAMB_LMS_WS_TOKEN"),
		Database: DatabaseConfig{
			Driver:   getEnvDefault("LAMB_DB_DRIVER", "sqlite"),
			Path:     getEnvDefault("LAMB_DB_PATH", "lamb.db"),
			Host:     os.Getenv("LAMB_DB_HOST"),
			Port:     getEnvInt("LAMB_DB_PORT", 0),
			Database: os.Getenv("LAMB_DB_NAME"),
			Username: os.Getenv("LAMB_DB_USER"),
			Password: os.Getenv("LAMB_DB_PASSWORD"),
			MaxConns: getEnvInt("LAMB_DB_MAX_CONNS", 10),
			MaxIdle:  getEnvInt("LAMB_DB_MAX_IDLE", 5),
		},
		LogLevel:   getEnvDefault("LAMB_LOG_LEVEL", "info"),
		LogFormat:  getEnvDefault("LAMB_LOG_FORMAT", "simple"),
		ListenAddr: getEnvDefault("LAMB_LISTEN_ADDR", ":9099"),
	}
}

func getEnvDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
