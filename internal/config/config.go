// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Identity
	PrivateKey      string // Hex-encoded secp256k1 key; generated when empty in development
	RecipientPubkey string // Defaults to our own pubkey (self-custodial point of sale)

	// Relay network
	RelayURLs []string // Websocket relay endpoints; empty = in-process relay

	// Economics
	FiatCurrency string
	SatRate      float64 // fiat units per sat, frozen into orders at creation

	// Invoice issuing
	LNURLCallback string // LNURL-style callback; empty = local HMAC issuer
	InvoiceSecret string

	// Operations
	AlertWebhookURL string // receives spoofed-receipt alerts
	OTLPEndpoint    string
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFiatCurrency = "ARS"
	DefaultSatRate      = 0.18
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		RecipientPubkey: os.Getenv("RECIPIENT_PUBKEY"),
		RelayURLs:       splitList(os.Getenv("RELAY_URLS")),
		FiatCurrency:    getEnv("FIAT_CURRENCY", DefaultFiatCurrency),
		SatRate:         getEnvFloat("SAT_FIAT_RATE", DefaultSatRate),
		LNURLCallback:   os.Getenv("LNURL_CALLBACK"),
		InvoiceSecret:   os.Getenv("INVOICE_SECRET"),
		AlertWebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SatRate <= 0 {
		return fmt.Errorf("SAT_FIAT_RATE must be positive")
	}

	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.IsProduction() {
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required in production")
		}
		if c.InvoiceSecret == "" && c.LNURLCallback == "" {
			return fmt.Errorf("INVOICE_SECRET or LNURL_CALLBACK is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
