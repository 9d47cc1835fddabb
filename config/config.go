package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// API
	APIToken string
	BaseURL  string // default: https://api.quantarc.com

	// Transport
	MaxRetries int           // default: 3
	Timeout    time.Duration // default: 60s

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		APIToken:             os.Getenv("QUANTARC_API_TOKEN"),
		BaseURL:              getEnv("QUANTARC_BASE_URL", "https://api.quantarc.com"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	retriesStr := getEnv("QUANTARC_MAX_RETRIES", "3")
	retries, err := strconv.Atoi(retriesStr)
	if err != nil || retries < 0 {
		return nil, fmt.Errorf("invalid QUANTARC_MAX_RETRIES: %q", retriesStr)
	}
	cfg.MaxRetries = retries

	timeoutStr := getEnv("QUANTARC_TIMEOUT_SECONDS", "60")
	timeoutSec, err := strconv.Atoi(timeoutStr)
	if err != nil || timeoutSec <= 0 {
		return nil, fmt.Errorf("invalid QUANTARC_TIMEOUT_SECONDS: %q", timeoutStr)
	}
	cfg.Timeout = time.Duration(timeoutSec) * time.Second

	// Validation
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("QUANTARC_API_TOKEN is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
