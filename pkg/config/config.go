// Package config loads engine configuration from the environment, layers
// tenant YAML profiles on top and produces the canonical snapshot hash that
// pins a run's effective configuration in the audit trail.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the worker-level engine configuration.
type Config struct {
	LogLevel  string
	LogFormat string // "json" or "text"

	KositBaseURL    string
	KositCLICommand []string
	KositWorkDir    string
	ViesBaseURL     string
	ECBBaseURL      string
	PeppolBaseURL   string

	RedisAddr      string
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseURL    string

	SignerKeyID string

	MaxParallelism int
	DefaultTimeout time.Duration
	RawInvoiceTTL  time.Duration
	PolicyVersion  string
	ProfilesDir    string
	AuditLogPath   string
	OTLPEndpoint   string
	MetricsEnabled bool
}

// Load reads configuration from environment variables with engine defaults.
func Load() *Config {
	return &Config{
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		KositBaseURL:    os.Getenv("KOSIT_BASE_URL"),
		KositCLICommand: splitCommand(os.Getenv("KOSIT_CLI_COMMAND")),
		KositWorkDir:    os.Getenv("KOSIT_WORK_DIR"),
		ViesBaseURL:     envOr("VIES_BASE_URL", "https://ec.europa.eu/taxation_customs/vies/rest-api"),
		ECBBaseURL:      envOr("ECB_BASE_URL", "https://data-api.ecb.europa.eu"),
		PeppolBaseURL:   envOr("PEPPOL_BASE_URL", "https://directory.peppol.eu"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "file:veriflow.db?cache=shared"),

		SignerKeyID: envOr("SIGNER_KEY_ID", "veriflow-report-key"),

		MaxParallelism: envInt("MAX_PARALLELISM", 5),
		DefaultTimeout: envDuration("DEFAULT_FILTER_TIMEOUT", 10*time.Second),
		RawInvoiceTTL:  envDuration("RAW_INVOICE_TTL", 60*time.Second),
		PolicyVersion:  envOr("POLICY_VERSION", "default-v1"),
		ProfilesDir:    envOr("PROFILES_DIR", "profiles"),
		AuditLogPath:   os.Getenv("AUDIT_LOG_PATH"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsEnabled: os.Getenv("METRICS_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitCommand(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
