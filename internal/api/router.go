package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/ws"
)

// Deps wires the handlers. Allocator, Catalog and Admin.Store are required;
// a nil Auth or RateLimiter leaves the write routes open.
type Deps struct {
	Allocator      Allocator
	Procedure      ProcedureRunner
	Catalog        Catalog
	Idempotency    IdempotencyStore
	Recent         RecentAllocations
	IdempotencyTTL time.Duration

	WS    *ws.Handler
	Admin AdminDeps

	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(logger, d.Metrics))

	warehouseHandler := NewWarehouseHandler(d.Allocator, d.Procedure, d.Idempotency, d.Recent, d.IdempotencyTTL, logger)
	catalogHandler := NewCatalogHandler(d.Catalog, logger)
	NewAdminHandler(d.Admin).RegisterRoutes(r)

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/products", catalogHandler.ListProducts)
		api.GET("/products/:id", catalogHandler.GetProduct)
		api.GET("/warehouses", catalogHandler.ListWarehouses)
		api.GET("/warehouses/:id/allocations/recent", warehouseHandler.RecentAllocations)
		api.GET("/orders/:id", catalogHandler.GetOrder)

		protected := api.Group("")
		if d.Auth != nil {
			protected.Use(d.Auth.GinMiddleware())
			protected.Use(middleware.RequireRole(middleware.RoleOperator))
		}
		if d.RateLimiter != nil {
			protected.Use(d.RateLimiter.GinMiddleware())
		}
		{
			protected.POST("/warehouse", warehouseHandler.AddProduct)
			protected.POST("/warehouse/procedure", warehouseHandler.AddProductWithProcedure)
		}
	}

	if d.WS != nil {
		r.GET("/ws/warehouses/:id", d.WS.HandleUpgrade)
		r.GET("/ws/stats", d.WS.HandleStats)
	}
}
