// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Empty disables persistence; the service runs with
	// in-memory stores only.
	DatabaseURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Provider API keys. A provider with an empty key is not registered.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// Analysis settings.
	AnalyzerModel     string // Model ID for the consolidated analysis call; empty picks the cheapest fast model.
	SecurityThreshold int    // Default halt threshold when an org has no override.
	ValidationRetries int    // MAX_RETRIES for the validation loop.

	// Catalog settings.
	DiscoveryURL      string // Feed republishing the model catalog; empty keeps the embedded seed.
	DiscoveryInterval time.Duration

	// Semantic cache settings.
	CacheEnabled        bool
	CacheThreshold      float64 // Minimum cosine similarity for a cache hit.
	CacheTTL            time.Duration
	EmbeddingBaseURL    string // OpenAI-compatible embeddings endpoint base URL.
	EmbeddingAPIKey     string // Key for the embeddings endpoint; empty falls back to OpenAIAPIKey.
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string

	// Admission settings.
	RatePerMinute  int     // Per-identity job starts per minute; 0 disables rate limiting.
	RateBurst      int     // Token bucket capacity.
	MonthlyBudget  float64 // Per-org monthly spend ceiling in USD; 0 disables.
	BudgetEnforced bool

	// Token endpoint limiter. Guards POST /v1/auth/token, which runs
	// before credential checks; keyed by client IP.
	AuthRatePerMinute int    // 0 disables.
	RedisURL          string // Non-empty switches the limiter to Redis for multi-instance deployments.

	// AuthDisabled turns off credential checks entirely. Local
	// single-tenant use only.
	AuthDisabled bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	EventBufferSize     int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("SLUICE_PORT", 8080),
		ReadTimeout:         envDuration("SLUICE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("SLUICE_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		JWTPrivateKeyPath:   envStr("SLUICE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("SLUICE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("SLUICE_JWT_EXPIRATION", 24*time.Hour),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		GeminiAPIKey:        envStr("GEMINI_API_KEY", ""),
		AnalyzerModel:       envStr("SLUICE_ANALYZER_MODEL", ""),
		SecurityThreshold:   envInt("SLUICE_SECURITY_THRESHOLD", 8),
		ValidationRetries:   envInt("SLUICE_VALIDATION_RETRIES", 2),
		DiscoveryURL:        envStr("SLUICE_DISCOVERY_URL", ""),
		DiscoveryInterval:   envDuration("SLUICE_DISCOVERY_INTERVAL", 5*time.Minute),
		CacheEnabled:        envBool("SLUICE_CACHE_ENABLED", false),
		CacheThreshold:      envFloat("SLUICE_CACHE_THRESHOLD", 0.95),
		CacheTTL:            envDuration("SLUICE_CACHE_TTL", 24*time.Hour),
		EmbeddingBaseURL:    envStr("SLUICE_EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:     envStr("SLUICE_EMBEDDING_API_KEY", ""),
		EmbeddingModel:      envStr("SLUICE_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("SLUICE_EMBEDDING_DIMENSIONS", 1536),
		QdrantURL:           envStr("QDRANT_URL", ""),
		QdrantAPIKey:        envStr("QDRANT_API_KEY", ""),
		QdrantCollection:    envStr("QDRANT_COLLECTION", "sluice_responses"),
		RatePerMinute:       envInt("SLUICE_RATE_PER_MINUTE", 60),
		RateBurst:           envInt("SLUICE_RATE_BURST", 10),
		MonthlyBudget:       envFloat("SLUICE_MONTHLY_BUDGET_USD", 0),
		BudgetEnforced:      envBool("SLUICE_BUDGET_ENFORCED", false),
		AuthRatePerMinute:   envInt("SLUICE_AUTH_RATE_PER_MINUTE", 10),
		RedisURL:            envStr("REDIS_URL", ""),
		AuthDisabled:        envBool("SLUICE_AUTH_DISABLED", false),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "sluice"),
		LogLevel:            envStr("SLUICE_LOG_LEVEL", "info"),
		EventBufferSize:     envInt("SLUICE_EVENT_BUFFER_SIZE", 256),
		MaxRequestBodyBytes: int64(envInt("SLUICE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	// The parsed values come back even on a validation error so callers
	// that can compensate for a specific failure (an embedding application
	// supplying its own providers, say) may inspect it with errors.Is.
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ErrNoProviderKeys reports that no provider API key is configured.
var ErrNoProviderKeys = errors.New("config: no provider API keys set; at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY is required")

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		return ErrNoProviderKeys
	}
	if c.SecurityThreshold < 1 || c.SecurityThreshold > 10 {
		return fmt.Errorf("config: SLUICE_SECURITY_THRESHOLD must be in [1,10]")
	}
	if c.ValidationRetries < 0 {
		return fmt.Errorf("config: SLUICE_VALIDATION_RETRIES must not be negative")
	}
	if c.CacheEnabled && c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: SLUICE_EMBEDDING_DIMENSIONS must be positive when the cache is enabled")
	}
	if c.CacheThreshold < 0 || c.CacheThreshold > 1 {
		return fmt.Errorf("config: SLUICE_CACHE_THRESHOLD must be in [0,1]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SLUICE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
