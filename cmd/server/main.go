package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"warehouse-allocator/internal/allocator"
	"warehouse-allocator/internal/api"
	"warehouse-allocator/internal/cache"
	"warehouse-allocator/internal/config"
	"warehouse-allocator/internal/logging"
	"warehouse-allocator/internal/messaging"
	"warehouse-allocator/internal/metrics"
	"warehouse-allocator/internal/middleware"
	"warehouse-allocator/internal/store"
	"warehouse-allocator/internal/ws"
)

const maxWSConnectionsPerIP = 10

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.IsProduction())
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// storage is the selected backend seen through the interfaces its consumers
// need. procedure and dedup are only set for Postgres.
type storage struct {
	tx        allocator.Store
	catalog   api.Catalog
	pinger    api.Pinger
	procedure api.ProcedureRunner
	dedup     *store.DedupStore
	close     func()
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.StoreDriver {
	case "memory":
		mem := store.NewMemoryStore()
		seeded, err := mem.Seed(ctx, store.NewDemoData(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("seeding memory store: %w", err)
		}
		logger.Info("memory store ready", zap.Int("seeded", seeded))
		return &storage{tx: mem, catalog: mem, pinger: mem, close: func() {}}, nil

	case store.DriverPQ, store.DriverPGX:
		isolation, err := store.ParseIsolation(cfg.TxIsolation)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgresStore(cfg.StoreDriver, cfg.GetPostgresDSN(), isolation)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		logger.Info("postgres store connected",
			zap.String("driver", cfg.StoreDriver),
			zap.Stringer("isolation", isolation),
		)

		if cfg.RunMigrations {
			applied, err := store.NewMigrator(pg.GetDB()).Migrate(ctx, store.EmbeddedMigrations())
			if err != nil {
				pg.Close()
				return nil, fmt.Errorf("running migrations: %w", err)
			}
			logger.Info("migrations applied", zap.Int("count", applied))
		}

		catalog := store.NewCatalogStore(pg.GetDB())
		if cfg.SeedDemoData {
			seeded, err := catalog.SeedDemoData(ctx, store.NewDemoData(time.Now()))
			if err != nil {
				logger.Warn("failed to seed demo data", zap.Error(err))
			} else if seeded > 0 {
				logger.Info("seeded demo data", zap.Int("rows", seeded))
			}
		}

		dedup := store.NewDedupStore(pg.GetDB(), nil, logger)
		return &storage{
			tx:        pg,
			catalog:   catalog,
			pinger:    pg,
			procedure: pg,
			dedup:     dedup,
			close: func() {
				dedup.Stop()
				pg.Close()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openPublisher(cfg *config.Config, logger *zap.Logger) (messaging.EventPublisher, error) {
	switch cfg.EventBroker {
	case "rabbitmq":
		p, err := messaging.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "kafka":
		return messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event broker %q", cfg.EventBroker)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	var (
		listeners   []allocator.Listener
		idempotency api.IdempotencyStore
		recent      api.RecentAllocations
		cachePinger api.Pinger
		feed        ws.RecentFeed
	)

	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(ctx, cfg, logger, m)
		if err != nil {
			logger.Warn("redis cache not available", zap.Error(err))
		} else {
			logger.Info("redis cache connected", zap.String("addr", cfg.GetRedisAddr()))
			defer redisCache.Close()
			listeners = append(listeners, redisCache)
			idempotency = redisCache
			recent = redisCache
			cachePinger = redisCache
			feed = redisCache
		}
	}

	var hub *ws.Hub
	if cfg.WSEnabled {
		hub = ws.NewHub(ws.DefaultHubConfig(), logger, m)
		listeners = append(listeners, hub)
	}

	var (
		notifier *messaging.Notifier
		breaker  *middleware.CircuitBreaker
	)
	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		logger.Warn("event publisher not available", zap.String("broker", cfg.EventBroker), zap.Error(err))
	} else if publisher != nil {
		defer publisher.Close()
		breaker = middleware.NewCircuitBreaker(publisher.Name(), middleware.DefaultCircuitBreakerConfig(),
			func(name string, state middleware.CircuitState) {
				m.RecordBreakerState(name, int(state))
				logger.Warn("circuit breaker state changed", zap.String("breaker", name), zap.Stringer("state", state))
			})
		notifier = messaging.NewNotifier(publisher, breaker, logger, m)
		listeners = append(listeners, notifier)
		logger.Info("event publisher connected", zap.String("broker", publisher.Name()))
	}

	alloc := allocator.New(st.tx,
		allocator.WithLogger(logger.Named("allocator")),
		allocator.WithObserver(m),
		allocator.WithListeners(listeners...),
	)

	var consumer *messaging.Consumer
	if cfg.EventBroker == "rabbitmq" {
		var dedup messaging.Deduper
		if st.dedup != nil {
			dedup = st.dedup
		}
		consumer, err = messaging.NewConsumer(messaging.ConsumerConfig{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Queue:    cfg.StockQueue,
			Workers:  cfg.WorkerCount,
		}, alloc, dedup, logger.Named("consumer"), m)
		if err != nil {
			logger.Warn("stock consumer not available", zap.Error(err))
			consumer = nil
		} else if err := consumer.Start(); err != nil {
			logger.Warn("failed to start stock consumer", zap.Error(err))
			consumer.Stop()
			consumer = nil
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	deps := api.Deps{
		Allocator:      alloc,
		Procedure:      st.procedure,
		Catalog:        st.catalog,
		Idempotency:    idempotency,
		Recent:         recent,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Admin: api.AdminDeps{
			Store:   st.pinger,
			Cache:   cachePinger,
			Breaker: breaker,
		},
		RateLimiter: middleware.NewRateLimiter(&middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}),
		Logger:  logger,
		Metrics: m,
	}
	if st.dedup != nil {
		deps.Admin.Dedup = st.dedup
	}
	if hub != nil {
		deps.WS = ws.NewHandler(hub, feed, middleware.NewConnectionLimiter(maxWSConnectionsPerIP))
		deps.Admin.Hub = hub
	}
	if cfg.AuthEnabled {
		deps.Auth = middleware.NewAuthMiddleware(&middleware.AuthConfig{
			SecretKey:      cfg.JWTSecret,
			ExpiryDuration: 24 * time.Hour,
			Issuer:         cfg.JWTIssuer,
			TokenHeader:    "Authorization",
			TokenPrefix:    "Bearer ",
		})
	}
	api.RegisterRoutes(router, deps)

	srv := &http.Server{
		Addr:              cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error { return hub.Run(gctx) })
	}
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("warehouse allocator listening",
			zap.String("addr", cfg.ServerPort),
			zap.String("store", cfg.StoreDriver),
			zap.String("events", cfg.EventBroker),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if consumer != nil {
			consumer.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
