// Package config provides configuration for the chat core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the chat core configuration.
type Config struct {
	// Server settings
	HTTPPort    int
	CORSOrigins []string
	BodyLimit   string
	// Coarse per-IP limit applied before route classes, requests per second.
	IPRateLimit float64

	// Storage
	DatabaseURL string
	// KVPath is the Badger directory; empty runs the cache in memory.
	KVPath string

	// Inference provider
	LLMProvider       string
	LLMBaseURL        string
	LLMAPIKey         string
	GeminiAPIKey      string
	DefaultModel      string
	SystemPrompt      string
	InferenceTimeout  time.Duration
	MaxConcurrent     int
	MaxMessageChars   int
	MaxContextTokens  int
	OutputReserve     int
	MinThinking       time.Duration
	SummaryModel      string
	SummaryMaxHistory int

	// Auth
	JWTSecret      string
	AllowAnonymous bool

	// Session lock
	LockBackend string
	LockMode    string
	LockCeiling time.Duration

	// Persistence retry
	PersistMaxAttempts int
	PersistBaseDelay   time.Duration
	PersistMaxDelay    time.Duration

	// Lifecycle
	IdleTimeout    time.Duration
	LiveSessionTTL time.Duration

	// Cache TTLs
	SessionLocalTTL  time.Duration
	SessionRemoteTTL time.Duration
	PrefsLocalTTL    time.Duration
	PrefsRemoteTTL   time.Duration
	CatalogLocalTTL  time.Duration
	CatalogRemoteTTL time.Duration
	LocalCacheSize   int64

	// Rate limiting
	RateLimitPolicyPath string
	RateLimitFailClosed bool

	// Maintenance
	MaintenanceSchedule string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		BodyLimit:   getEnv("BODY_LIMIT", "1M"),
		IPRateLimit: float64(getEnvInt("IP_RATE_LIMIT", 50)),

		DatabaseURL: getEnv("DATABASE_URL", "file:chatcore.db?cache=shared&mode=rwc"),
		KVPath:      getEnv("KV_PATH", ""),

		LLMProvider:       getEnv("LLM_PROVIDER", "openai"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:         getEnv("LLM_API_KEY", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		DefaultModel:      getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", "You are a helpful assistant."),
		InferenceTimeout:  getEnvDuration("INFERENCE_TIMEOUT_MS", 120000),
		MaxConcurrent:     getEnvInt("MAX_CONCURRENT_STREAMS", 64),
		MaxMessageChars:   getEnvInt("MAX_MESSAGE_CHARS", 32000),
		MaxContextTokens:  getEnvInt("MAX_CONTEXT_TOKENS", 8192),
		OutputReserve:     getEnvInt("OUTPUT_RESERVE_TOKENS", 1024),
		MinThinking:       getEnvDuration("MIN_THINKING_MS", 800),
		SummaryModel:      getEnv("SUMMARY_MODEL", ""),
		SummaryMaxHistory: getEnvInt("SUMMARY_MAX_MESSAGES", 50),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowAnonymous: getEnvBool("ALLOW_ANONYMOUS", true),

		LockBackend: getEnv("LOCK_BACKEND", "local"),
		LockMode:    getEnv("LOCK_MODE", "block"),
		LockCeiling: getEnvDuration("LOCK_CEILING_MS", 30000),

		PersistMaxAttempts: getEnvInt("PERSIST_MAX_ATTEMPTS", 3),
		PersistBaseDelay:   getEnvDuration("PERSIST_BASE_DELAY_MS", 200),
		PersistMaxDelay:    getEnvDuration("PERSIST_MAX_DELAY_MS", 5000),

		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT_MS", 30*60*1000),
		LiveSessionTTL: getEnvDuration("LIVE_SESSION_TTL_MS", 2*60*60*1000),

		SessionLocalTTL:  getEnvDuration("SESSION_LOCAL_TTL_MS", 5*60*1000),
		SessionRemoteTTL: getEnvDuration("SESSION_REMOTE_TTL_MS", 10*60*1000),
		PrefsLocalTTL:    getEnvDuration("PREFS_LOCAL_TTL_MS", 10*60*1000),
		PrefsRemoteTTL:   getEnvDuration("PREFS_REMOTE_TTL_MS", 60*60*1000),
		CatalogLocalTTL:  getEnvDuration("CATALOG_LOCAL_TTL_MS", 10*60*1000),
		CatalogRemoteTTL: getEnvDuration("CATALOG_REMOTE_TTL_MS", 60*60*1000),
		LocalCacheSize:   int64(getEnvInt("LOCAL_CACHE_SIZE", 10000)),

		RateLimitPolicyPath: getEnv("RATE_LIMIT_POLICY_PATH", ""),
		RateLimitFailClosed: getEnvBool("RATE_LIMIT_FAIL_CLOSED", false),

		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "@every 5m"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
	return cfg
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.LLMProvider == "gemini" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	switch c.LockBackend {
	case "local", "kv":
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.LockMode {
	case "block", "reject":
	default:
		return fmt.Errorf("unknown LOCK_MODE %q", c.LockMode)
	}
	if c.LockCeiling <= 0 {
		return fmt.Errorf("LOCK_CEILING_MS must be positive")
	}
	if c.PersistMaxAttempts < 1 {
		return fmt.Errorf("PERSIST_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_STREAMS must be at least 1")
	}
	if c.OutputReserve >= c.MaxContextTokens {
		return fmt.Errorf("OUTPUT_RESERVE_TOKENS must be below MAX_CONTEXT_TOKENS")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond value.
func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
