// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	PlatformAccount   string // ledger user that receives platform fees
	BuyerFeeRate      decimal.Decimal
	SellerFeeRate     decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	PaymentWindow     time.Duration
	ExpiryInterval    time.Duration
	FeeRetryInterval  time.Duration
	ReconcileInterval time.Duration
	MerchantInterval  time.Duration

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string // empty disables span export
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultPlatformAccount   = "platform"
	DefaultBuyerFeeRate      = "0.01"
	DefaultSellerFeeRate     = "0"
	DefaultWithdrawalFeeRate = "0"
	DefaultPaymentWindow     = 30 * time.Minute
	DefaultExpiryInterval    = 30 * time.Second
	DefaultFeeRetryInterval  = time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultMerchantInterval  = time.Hour
	DefaultRateLimit         = 100

	// maxFeeRate caps a single side's fee. Anything higher is a typo.
	maxFeeRate = "0.1"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	buyerRate, err := getEnvDecimal("P2P_BUYER_FEE_RATE", DefaultBuyerFeeRate)
	if err != nil {
		return nil, err
	}
	sellerRate, err := getEnvDecimal("P2P_SELLER_FEE_RATE", DefaultSellerFeeRate)
	if err != nil {
		return nil, err
	}
	withdrawalRate, err := getEnvDecimal("WITHDRAWAL_FEE_RATE", DefaultWithdrawalFeeRate)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformAccount:   getEnv("PLATFORM_ACCOUNT", DefaultPlatformAccount),
		BuyerFeeRate:      buyerRate,
		SellerFeeRate:     sellerRate,
		WithdrawalFeeRate: withdrawalRate,
		PaymentWindow:     getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		ExpiryInterval:    getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		FeeRetryInterval:  getEnvDuration("FEE_RETRY_INTERVAL", DefaultFeeRetryInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		MerchantInterval:  getEnvDuration("MERCHANT_INTERVAL", DefaultMerchantInterval),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PlatformAccount) == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT must not be empty")
	}

	limit := decimal.RequireFromString(maxFeeRate)
	if c.BuyerFeeRate.IsNegative() || c.BuyerFeeRate.GreaterThan(limit) {
		return fmt.Errorf("P2P_BUYER_FEE_RATE must be between 0 and %s", maxFeeRate)
	}
	if c.SellerFeeRate.IsNegative() || c.SellerFeeRate.GreaterThan(limit) {
		return fmt.Errorf("P2P_SELLER_FEE_RATE must be between 0 and %s", maxFeeRate)
	}
	if c.WithdrawalFeeRate.IsNegative() || c.WithdrawalFeeRate.GreaterThan(limit) {
		return fmt.Errorf("WITHDRAWAL_FEE_RATE must be between 0 and %s", maxFeeRate)
	}

	if c.PaymentWindow < time.Minute {
		return fmt.Errorf("PAYMENT_WINDOW must be at least 1m")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, value)
	}
	return d, nil
}
