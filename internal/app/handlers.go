package app

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	httpH "github.com/yungbote/checkout-saga/internal/http/handlers"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type Handlers struct {
	Checkout    *httpH.CheckoutHandler
	Transaction *httpH.TransactionHandler
	Order       *httpH.OrderHandler
	Cart        *httpH.CartHandler
	Ops         *httpH.OpsHandler
	Health      *httpH.HealthHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, rdb *goredis.Client, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Checkout:    httpH.NewCheckoutHandler(services.Checkout),
		Transaction: httpH.NewTransactionHandler(services.Checkout, services.Compensation),
		Order:       httpH.NewOrderHandler(services.Orders),
		Cart:        httpH.NewCartHandler(services.Carts),
		Ops:         httpH.NewOpsHandler(services.Compensation),
		Health: httpH.NewHealthHandler(map[string]httpH.HealthCheck{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		}),
	}
}
