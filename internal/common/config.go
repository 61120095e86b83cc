package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Store  StoreConfig
	Server ServerConfig
	Blob   BlobConfig
	Cache  CacheConfig
	LLM    LLMConfig
}

// StoreConfig holds document-store configuration
type StoreConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr           string
	RequestTimeout time.Duration
	JWTSecret      string
}

// BlobConfig holds object-storage configuration
type BlobConfig struct {
	Bucket string
}

// CacheConfig holds the optional idempotency-cache configuration.
// An empty Addr disables the cache.
type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// LLMConfig holds inference-provider configuration
type LLMConfig struct {
	APIKey      string
	Models      []string
	MaxAttempts int
	BaseDelay   time.Duration
	Temperature float32
	Timeout     time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN:              getEnv("STORE_DSN", ""),
			MaxConns:         getEnvAsInt32("STORE_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("STORE_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("STORE_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("STORE_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("STORE_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("STORE_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			RequestTimeout: getEnvAsDuration("HTTP_REQUEST_TIMEOUT", 5*time.Minute),
			JWTSecret:      getEnv("JWT_SECRET", ""),
		},
		Blob: BlobConfig{
			Bucket: getEnv("RECEIPTS_BUCKET", ""),
		},
		Cache: CacheConfig{
			Addr: getEnv("REDIS_ADDR", ""),
			TTL:  getEnvAsDuration("REDIS_HASH_TTL", 30*24*time.Hour),
		},
		LLM: LLMConfig{
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			Models:      getEnvAsList("GEMINI_MODELS", []string{"gemini-flash-latest", "gemini-flash-lite-latest"}),
			MaxAttempts: getEnvAsInt("GEMINI_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("GEMINI_BASE_DELAY", time.Second),
			Temperature: getEnvAsFloat32("GEMINI_TEMPERATURE", 0.1),
			Timeout:     getEnvAsDuration("GEMINI_TIMEOUT", 45*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return NewAppError("CONFIG_ERROR", "STORE_DSN is required", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "GEMINI_API_KEY is required", ErrInvalidInput)
	}
	if len(c.LLM.Models) == 0 {
		return NewAppError("CONFIG_ERROR", "GEMINI_MODELS must name at least one model", ErrInvalidInput)
	}
	if c.Blob.Bucket == "" {
		return NewAppError("CONFIG_ERROR", "RECEIPTS_BUCKET is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	// An empty secret verifies any HS256 token signed with an empty key.
	if c.Server.JWTSecret == "" {
		return NewAppError("CONFIG_ERROR", "JWT_SECRET is required", ErrInvalidInput)
	}
	return nil
}
