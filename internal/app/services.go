package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/audit"
	"github.com/yungbote/checkout-saga/internal/data/aggregates"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/payments"
	"github.com/yungbote/checkout-saga/internal/platform/gcp"
	"github.com/yungbote/checkout-saga/internal/platform/kms"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
	"github.com/yungbote/checkout-saga/internal/services"
)

type Services struct {
	Store        *aggregates.TransactionStore
	PII          services.PIIGuard
	Orders       services.OrderConfirmationBuilder
	Compensation services.CompensationEngine
	Checkout     services.CheckoutOrchestrator
	Carts        services.CartService
	Events       events.Publisher
	Audit        audit.Sink

	// pgxAudit is set when the ledger lives in its own database.
	pgxAudit *audit.PgxLedger
}

func wireServices(ctx context.Context, db *gorm.DB, rdb *goredis.Client, log *logger.Logger, cfg Config, reposet Repos, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	merchants, err := merchantcfg.Load(cfg.MerchantConfigPath)
	if err != nil {
		return Services{}, fmt.Errorf("load merchant config: %w", err)
	}

	enc, err := wireKeyring(log, cfg)
	if err != nil {
		return Services{}, err
	}

	blobCfg, err := gcp.BlobConfigFromEnv()
	if err != nil {
		return Services{}, fmt.Errorf("blob config: %w", err)
	}
	blobs, err := gcp.NewReceiptStore(ctx, log, blobCfg, cfg.BlobTimeout)
	if err != nil {
		return Services{}, fmt.Errorf("init receipt store: %w", err)
	}
	renderer, err := services.NewReceiptRenderer(cfg.ReceiptFontPath)
	if err != nil {
		return Services{}, fmt.Errorf("init receipt renderer: %w", err)
	}

	publisher, err := events.NewRedisPublisher(rdb, log, cfg.Events, metrics)
	if err != nil {
		return Services{}, fmt.Errorf("init event publisher: %w", err)
	}

	out := Services{Events: publisher}
	if strings.TrimSpace(cfg.AuditDSN) != "" {
		ledger, err := audit.NewPgxLedger(ctx, log, cfg.AuditDSN)
		if err != nil {
			return Services{}, fmt.Errorf("init audit ledger: %w", err)
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			ledger.Close()
			return Services{}, err
		}
		out.Audit = ledger
		out.pgxAudit = ledger
	} else {
		out.Audit = audit.NewGormLedger(log, reposet.AuditRecords)
	}

	out.Store = aggregates.NewTransactionStore(aggregates.TransactionStoreDeps{
		Base: aggregates.BaseDeps{
			DB:    db,
			Log:   log,
			Hooks: aggregates.NewObservabilityHooks(metrics),
		},
		Transactions: reposet.Transactions,
		Actions:      reposet.Actions,
	})

	credentials := payments.NewCachedCredentials(payments.NewFileCredentialsProvider(merchants), cfg.CredentialsCacheTTL)
	gateways := payments.NewDefaultRegistry(log, payments.Options{
		Latency: cfg.GatewayLatency,
		Timeout: cfg.Checkout.GatewayTimeout,
	})
	branding := services.NewCachedBranding(services.NewFileBrandingProvider(merchants), cfg.BrandingCacheTTL)

	out.PII = services.NewPIIGuard(db, log, reposet.SecureTokens, enc, cfg.KMSTimeout)
	out.Orders = services.NewOrderConfirmationBuilder(db, log, reposet.Orders, branding, renderer, blobs)
	out.Compensation = services.NewCompensationEngine(services.CompensationDeps{
		Log:         log,
		Store:       out.Store,
		Orders:      out.Orders,
		Events:      publisher,
		Gateways:    gateways,
		Credentials: credentials,
		Audit:       out.Audit,
		Metrics:     metrics,
		Config:      cfg.Compensation,
	})
	out.Checkout = services.NewCheckoutOrchestrator(services.CheckoutDeps{
		Log:          log,
		Store:        out.Store,
		PII:          out.PII,
		Credentials:  credentials,
		Gateways:     gateways,
		Orders:       out.Orders,
		Compensation: out.Compensation,
		Events:       publisher,
		Audit:        out.Audit,
		Carts:        reposet.Carts,
		Metrics:      metrics,
		Config:       cfg.Checkout,
	})
	out.Carts = services.NewCartService(log, reposet.Carts, out.PII, cfg.CartTTL)
	return out, nil
}

// wireKeyring builds the local KMS. Outside production a missing key set falls back to an
// ephemeral key, so tokens do not survive a restart.
func wireKeyring(log *logger.Logger, cfg Config) (*kms.Keyring, error) {
	keys, err := kms.ParseKeys(cfg.KMSKeys)
	if err != nil {
		return nil, err
	}
	active := strings.TrimSpace(cfg.KMSActiveKey)
	if len(keys) == 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("KMS_MASTER_KEYS is required in production")
		}
		k := make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("generate ephemeral kms key: %w", err)
		}
		keys = map[string][]byte{"ephemeral": k}
		active = "ephemeral"
		log.Warn("KMS_MASTER_KEYS not set; using an ephemeral key")
	}
	if active == "" && len(keys) == 1 {
		for id := range keys {
			active = id
		}
	}
	return kms.NewKeyring(active, keys)
}
