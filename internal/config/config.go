// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is everything the server needs at startup.
type Config struct {
	// HTTP
	ListenAddr string
	BaseURL    string
	JWTSecret  string

	// Storage
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	// LLM engines (OpenAI-compatible endpoints)
	PrimaryLLMBaseURL   string
	PrimaryLLMAPIKey    string
	PrimaryLLMModel     string
	FallbackLLMBaseURL  string
	FallbackLLMAPIKey   string
	FallbackLLMModel    string
	EmbeddingBaseURL    string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	SimilarityThreshold float64
	SimilarityFailOpen  bool

	// Social platform
	SocialAuthBase     string
	SocialGraphBase    string
	SocialClientID     string
	SocialClientSecret string
	SocialRedirectURI  string

	// Chat bot
	ChatBaseURL       string
	ChatChannelToken  string
	ChatSigningSecret string
	ChatAdminUserID   string

	// Secrets at rest: base64-encoded 32-byte key.
	EncryptionKey string

	// Timezone for scheduling and stats bucketing.
	Timezone string

	// Worker shutdown grace.
	ShutdownGrace time.Duration
}

// Load reads the environment. Missing required values are an error at
// startup, not at first use.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8080"),
		BaseURL:    getenv("BASE_URL", "http://localhost:8080"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getenvInt("REDIS_DB", 0),

		PrimaryLLMBaseURL:   getenv("PRIMARY_LLM_BASE_URL", "https://api.openai.com"),
		PrimaryLLMAPIKey:    os.Getenv("PRIMARY_LLM_API_KEY"),
		PrimaryLLMModel:     getenv("PRIMARY_LLM_MODEL", "gpt-4o"),
		FallbackLLMBaseURL:  getenv("FALLBACK_LLM_BASE_URL", "https://generativelanguage.googleapis.com"),
		FallbackLLMAPIKey:   os.Getenv("FALLBACK_LLM_API_KEY"),
		FallbackLLMModel:    getenv("FALLBACK_LLM_MODEL", "gemini-2.0-flash"),
		EmbeddingBaseURL:    getenv("EMBEDDING_BASE_URL", "https://api.openai.com"),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingModel:      getenv("EMBEDDING_MODEL", "text-embedding-3-small"),
		SimilarityThreshold: getenvFloat("SIMILARITY_THRESHOLD", 0.86),
		SimilarityFailOpen:  os.Getenv("SIMILARITY_FAIL_OPEN") == "true",

		SocialAuthBase:     getenv("SOCIAL_AUTH_BASE", "https://threads.net"),
		SocialGraphBase:    getenv("SOCIAL_GRAPH_BASE", "https://graph.threads.net/v1.0"),
		SocialClientID:     os.Getenv("SOCIAL_CLIENT_ID"),
		SocialClientSecret: os.Getenv("SOCIAL_CLIENT_SECRET"),
		SocialRedirectURI:  os.Getenv("SOCIAL_REDIRECT_URI"),

		ChatBaseURL:       getenv("CHAT_BASE_URL", "https://api.line.me"),
		ChatChannelToken:  os.Getenv("CHAT_CHANNEL_TOKEN"),
		ChatSigningSecret: os.Getenv("CHAT_SIGNING_SECRET"),
		ChatAdminUserID:   os.Getenv("CHAT_ADMIN_USER_ID"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		Timezone:      getenv("TIMEZONE", "Asia/Taipei"),
		ShutdownGrace: getenvDuration("SHUTDOWN_GRACE", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
