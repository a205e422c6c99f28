package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/checkout-saga/internal/http/handlers"
	httpMW "github.com/yungbote/checkout-saga/internal/http/middleware"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	CheckoutHandler    *httpH.CheckoutHandler
	TransactionHandler *httpH.TransactionHandler
	OrderHandler       *httpH.OrderHandler
	CartHandler        *httpH.CartHandler
	OpsHandler         *httpH.OpsHandler
	HealthHandler      *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireMerchant())
	}
	{
		// Checkout
		if cfg.CheckoutHandler != nil {
			api.POST("/checkout", cfg.CheckoutHandler.Checkout)
			api.POST("/carts/:id/checkout", cfg.CheckoutHandler.CheckoutCart)
		}

		// Transactions
		if cfg.TransactionHandler != nil {
			api.GET("/transactions/:id", cfg.TransactionHandler.GetTransaction)
			api.POST("/transactions/:id/refund", cfg.TransactionHandler.Refund)
			api.POST("/transactions/:id/compensate", cfg.TransactionHandler.Compensate)
		}

		// Orders
		if cfg.OrderHandler != nil {
			api.GET("/orders/:id", cfg.OrderHandler.GetOrder)
		}

		// Carts
		if cfg.CartHandler != nil {
			api.POST("/carts", cfg.CartHandler.CreateCart)
			api.PUT("/carts/:id", cfg.CartHandler.SaveCart)
			api.GET("/carts/:id", cfg.CartHandler.GetCart)
			api.DELETE("/carts/:id", cfg.CartHandler.DeleteCart)
		}

		// Ops
		if cfg.OpsHandler != nil {
			api.GET("/ops/compensations/unresolved", cfg.OpsHandler.ListUnresolved)
		}
	}

	return r
}
