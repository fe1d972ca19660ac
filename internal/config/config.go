// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Oracle backend selection: remote service or direct model.
	OracleURL     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// SessionTTL is how long an idle session survives before the janitor
	// aborts it.
	SessionTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	ttlMinutes := getEnvInt("SESSION_TTL_MINUTES", 120)
	if ttlMinutes <= 0 {
		ttlMinutes = 120
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/simcoach.db"),
		OracleURL:     getEnv("ORACLE_URL", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		SessionTTL:    time.Duration(ttlMinutes) * time.Minute,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OracleURL == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("either ORACLE_URL or OPENAI_API_KEY must be set")
	}
	if c.OracleURL == "" && c.OpenAIModel == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty when using a direct model oracle")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
