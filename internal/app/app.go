package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/data/db"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/events"
	httpserver "github.com/yungbote/checkout-saga/internal/http"
	httpMW "github.com/yungbote/checkout-saga/internal/http/middleware"
	"github.com/yungbote/checkout-saga/internal/jobs/sweep"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/redisx"
	"github.com/yungbote/checkout-saga/internal/temporalx"
	"github.com/yungbote/checkout-saga/internal/temporalx/compensation"
	"github.com/yungbote/checkout-saga/internal/temporalx/temporalworker"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Redis    *goredis.Client
	Server   *httpserver.Server
	Cfg      Config
	Repos    Repos
	Services Services

	pg           *db.PostgresService
	temporal     temporalsdkclient.Client
	sweeper      *sweep.Sweeper
	fulfillment  *events.FulfillmentConsumer
	worker       *temporalworker.Runner
	otelShutdown func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Log: log, Cfg: cfg}
	if err := a.wire(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	log, cfg := a.Log, a.Cfg

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfigFromEnv(cfg.ServiceName, cfg.Environment))
	metrics := observability.Init(log)

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pg = pg
	a.DB = pg.DB()
	if err := db.AutoMigrateAll(a.DB); err != nil {
		return fmt.Errorf("postgres automigrate: %w", err)
	}

	rdb, err := redisx.New(ctx, log, cfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.Redis = rdb

	a.Repos = wireRepos(a.DB, rdb, log)
	a.Services, err = wireServices(ctx, a.DB, rdb, log, cfg, a.Repos, metrics)
	if err != nil {
		return err
	}

	tc, err := temporalx.NewClient(log, cfg.Temporal)
	if err != nil {
		return fmt.Errorf("init temporal: %w", err)
	}
	a.temporal = tc

	sweepDeps := sweep.Deps{
		Log:      log,
		Store:    a.Services.Store,
		Engine:   a.Services.Compensation,
		Tokens:   a.Services.PII,
		Receipts: a.Services.Orders,
		Metrics:  metrics,
		Config:   cfg.Sweep,
	}
	if tc != nil {
		dispatcher, err := compensation.NewDispatcher(log, tc, cfg.Temporal.TaskQueue)
		if err != nil {
			return err
		}
		sweepDeps.Dispatcher = dispatcher
		if cfg.WorkerEnabled {
			a.worker, err = temporalworker.NewRunner(log, tc, cfg.Temporal, a.Services.Compensation, a.Services.Store)
			if err != nil {
				return err
			}
		}
	}
	if cfg.SweepEnabled {
		a.sweeper, err = sweep.New(sweepDeps)
		if err != nil {
			return err
		}
	}
	if cfg.FulfillmentEnabled {
		orders := a.Services.Orders
		a.fulfillment, err = events.NewFulfillmentConsumer(rdb, log, cfg.Events, func(ctx context.Context, upd types.FulfillmentUpdate) error {
			_, err := orders.ApplyFulfillment(ctx, upd)
			return err
		})
		if err != nil {
			return err
		}
	}

	handlers := wireHandlers(log, a.DB, rdb, a.Services)
	a.Server = httpserver.NewServer(cfg.HTTPAddr, httpserver.RouterConfig{
		Log:                log,
		ServiceName:        cfg.ServiceName,
		Metrics:            metrics,
		AuthMiddleware:     httpMW.NewAuthMiddleware(log, cfg.MerchantJWTSecret),
		CheckoutHandler:    handlers.Checkout,
		TransactionHandler: handlers.Transaction,
		OrderHandler:       handlers.Order,
		CartHandler:        handlers.Cart,
		OpsHandler:         handlers.Ops,
		HealthHandler:      handlers.Health,
	})
	return nil
}

// Start launches the background loops: compensation sweep, fulfillment consumer and the
// Temporal worker when configured.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.worker != nil {
		if err := a.worker.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}
	if a.sweeper != nil {
		a.goRun(func() { a.sweeper.Run(ctx) })
	}
	if a.fulfillment != nil {
		a.goRun(func() { a.fulfillment.Run(ctx) })
	}
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
	return a.Server.Run()
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("HTTP shutdown failed", "error", err)
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.Services.pgxAudit != nil {
		a.Services.pgxAudit.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
