package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Server
	Port            string // default: 8080
	ShutdownTimeout time.Duration

	// Storage
	LedgerBackend string // "postgres" or "memory", default: postgres
	PostgresDSN   string

	// Cache and rate limiting; both are disabled when RedisAddr is empty
	RedisAddr string

	// Providers
	ProvidersFile   string // empty means the embedded catalog
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	MistralAPIKey   string

	// Observability
	LogLevel             string
	LogFormat            string // "json" or "console"
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	AdminToken     string
	AuditQueueSize int
	RunSeed        bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LedgerBackend:        getEnv("LEDGER_BACKEND", BackendPostgres),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		MistralAPIKey:        os.Getenv("MISTRAL_API_KEY"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	if cfg.AuditQueueSize, err = strconv.Atoi(getEnv("AUDIT_QUEUE_SIZE", "1024")); err != nil {
		return nil, fmt.Errorf("invalid AUDIT_QUEUE_SIZE: %w", err)
	}
	if cfg.ShutdownTimeout, err = time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.RunSeed, err = strconv.ParseBool(getEnv("RUN_SEED", "false")); err != nil {
		return nil, fmt.Errorf("invalid RUN_SEED: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s ledger backend", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.DefaultRateLimitTPM <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_TPM must be positive")
	}
	if c.AuditQueueSize < 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
