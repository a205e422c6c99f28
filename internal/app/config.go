package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/checkout-saga/internal/data/db"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/jobs/sweep"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/redisx"
	"github.com/yungbote/checkout-saga/internal/services"
	"github.com/yungbote/checkout-saga/internal/temporalx"
)

type Config struct {
	LogMode     string
	ServiceName string
	Environment string
	HTTPAddr    string

	MerchantConfigPath  string
	MerchantJWTSecret   string
	CredentialsCacheTTL time.Duration
	BrandingCacheTTL    time.Duration

	KMSKeys      string
	KMSActiveKey string
	KMSTimeout   time.Duration

	BlobTimeout     time.Duration
	ReceiptFontPath string
	GatewayLatency  time.Duration

	// AuditDSN moves the audit ledger to its own database through pgx.
	AuditDSN string

	SweepEnabled      bool
	FulfillmentEnabled bool
	WorkerEnabled     bool
	CartTTL           time.Duration

	Postgres     db.PostgresConfig
	Redis        redisx.Config
	Events       events.Config
	Checkout     services.CheckoutConfig
	Compensation services.CompensationConfig
	Sweep        sweep.Config
	Temporal     temporalx.Config
}

func LoadConfig() (Config, error) {
	cfg := Config{
		LogMode:     envutil.String("LOG_MODE", "development"),
		ServiceName: envutil.String("SERVICE_NAME", "checkout-saga"),
		Environment: envutil.String("ENVIRONMENT", "development"),
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),

		MerchantConfigPath:  envutil.String("MERCHANT_CONFIG_PATH", "config/merchants.yaml"),
		MerchantJWTSecret:   envutil.String("MERCHANT_JWT_SECRET", ""),
		CredentialsCacheTTL: envutil.Duration("CREDENTIALS_CACHE_TTL", 5*time.Minute),
		BrandingCacheTTL:    envutil.Duration("BRANDING_CACHE_TTL", 10*time.Minute),

		KMSKeys:      envutil.String("KMS_MASTER_KEYS", ""),
		KMSActiveKey: envutil.String("KMS_ACTIVE_KEY_ID", ""),
		KMSTimeout:   envutil.Duration("KMS_TIMEOUT", 5*time.Second),

		BlobTimeout:     envutil.Duration("BLOB_TIMEOUT", 30*time.Second),
		ReceiptFontPath: envutil.String("RECEIPT_FONT_PATH", ""),
		GatewayLatency:  envutil.Duration("GATEWAY_SIMULATED_LATENCY", 0),

		AuditDSN: envutil.String("AUDIT_DATABASE_DSN", ""),

		SweepEnabled:      envutil.Bool("COMPENSATION_SWEEP_ENABLED", true),
		FulfillmentEnabled: envutil.Bool("FULFILLMENT_CONSUMER_ENABLED", true),
		WorkerEnabled:     envutil.Bool("TEMPORAL_WORKER_ENABLED", true),
		CartTTL:           services.CartTTLFromEnv(),

		Postgres:     db.PostgresConfigFromEnv(),
		Redis:        redisx.ConfigFromEnv(),
		Events:       events.ConfigFromEnv(),
		Checkout:     services.CheckoutConfigFromEnv(),
		Compensation: services.CompensationConfigFromEnv(),
		Sweep:        sweep.ConfigFromEnv(),
		Temporal:     temporalx.LoadConfig(),
	}
	return cfg, cfg.validate()
}

func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.LogMode)) {
	case "prod", "production":
		return true
	}
	return false
}

func (c Config) validate() error {
	if strings.TrimSpace(c.MerchantConfigPath) == "" {
		return fmt.Errorf("MERCHANT_CONFIG_PATH is required")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.IsProduction() {
		if strings.TrimSpace(c.KMSKeys) == "" {
			return fmt.Errorf("KMS_MASTER_KEYS is required in production")
		}
		if strings.TrimSpace(c.MerchantJWTSecret) == "" {
			return fmt.Errorf("MERCHANT_JWT_SECRET is required in production")
		}
	}
	return nil
}
