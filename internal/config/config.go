package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the messaging service.
type Config struct {
	Port     string
	Env      string
	DBDSN    string
	RedisURL string

	AuthGRPCAddr string
	UserGRPCAddr string

	AMQPURL      string
	AMQPExchange string

	TranslatorURL      string
	TranslatorAPIKey   string
	TranslatorModel    string
	TranslationTimeout time.Duration

	PresenceTTL    time.Duration
	TypingTTL      time.Duration
	WSPingInterval time.Duration
	StoreRetries   int

	OTLPEndpoint string
	ServiceName  string
	LogLevel     string
	DebugRoutes  bool
}

// Load reads configuration from environment variables, loading .env first if present.
// Invalid values fall back to their defaults; every problem found is joined into the returned error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Port:     getEnv("PORT", "8083"),
		Env:      getEnv("ENV", "development"),
		DBDSN:    os.Getenv("DB_DSN"),
		RedisURL: os.Getenv("REDIS_URL"),

		AuthGRPCAddr: getEnv("AUTH_GRPC_ADDR", "localhost:8084"),
		UserGRPCAddr: getEnv("USER_GRPC_ADDR", "localhost:8085"),

		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chat.events"),

		TranslatorURL:      os.Getenv("TRANSLATOR_URL"),
		TranslatorAPIKey:   os.Getenv("TRANSLATOR_API_KEY"),
		TranslatorModel:    os.Getenv("TRANSLATOR_MODEL"),
		TranslationTimeout: getDuration("TRANSLATION_TIMEOUT", 3*time.Second, &errs),

		PresenceTTL:    getDuration("PRESENCE_TTL", 60*time.Second, &errs),
		TypingTTL:      getDuration("TYPING_TTL", 3*time.Second, &errs),
		WSPingInterval: getDuration("WS_PING_INTERVAL", 25*time.Second, &errs),
		StoreRetries:   getInt("STORE_RETRIES", 3, &errs),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  getEnv("SERVICE_NAME", "messaging-service"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DebugRoutes:  getEnv("DEBUG_ROUTES", "false") == "true",
	}

	if cfg.IsProduction() && cfg.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required in production"))
	}

	return cfg, errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s %q, using %s", key, raw, defaultValue))
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s %q, using %d", key, raw, defaultValue))
		return defaultValue
	}
	return n
}
