package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"restaurant-order-service/config"
	"restaurant-order-service/internal/api"
	"restaurant-order-service/internal/broker"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/notifier"
	"restaurant-order-service/internal/payment"
	"restaurant-order-service/internal/redisclient"
	"restaurant-order-service/internal/service"
	"restaurant-order-service/internal/settings"
	"restaurant-order-service/internal/store"
	"restaurant-order-service/internal/util"
	"restaurant-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting restaurant order service")

	tp, err := util.InitTracer("restaurant-order-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readiness := map[string]api.ReadinessCheck{}

	// Storage
	var (
		repo    ledger.Repository
		catalog service.Catalog
	)
	switch cfg.Database.Driver {
	case "memory":
		mem := store.NewMemory()
		repo, catalog = mem, mem
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		repo, catalog = db, db
		readiness["database"] = db.Ping
		logger.Info("Database connected")
	}

	// Redis: credential settings, cross-instance fan-out, catalog cache, callback idempotency
	hub := notifier.NewHub(notifier.Config{
		Buffer:  cfg.Business.NotifierBuffer,
		GapWait: cfg.Business.NotifierGapWait,
	})
	publishers := notifier.Multi{hub}
	sources := []settings.Source{toStaticSource(cfg.Gateways)}

	var (
		redisClient  *redisclient.Client
		bridge       *notifier.RedisBridge
		productCache service.ProductCache
		deduper      worker.Deduper
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		bridge = notifier.NewRedisBridge(redisClient, cfg.Kafka.NotifierChannel, hub)
		publishers = append(publishers, bridge)
		sources = append(sources, settings.NewRedisSource(redisClient, config.GatewayMethods))
		productCache = redisClient
		deduper = redisClient
		readiness["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	// Kafka: durable change feed and queued provider callbacks
	var (
		callbacks      api.CallbackSink
		callbackWorker *worker.PaymentCallbackWorker
	)
	if cfg.Kafka.Enabled {
		orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer orderProducer.Close()
		publishers = append(publishers, broker.NewEventPublisher(orderProducer))

		callbackProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks)
		defer callbackProducer.Close()
		callbacks = api.QueuedCallbacks{Queue: broker.NewCallbackQueue(callbackProducer)}
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	l := ledger.New(repo, publishers, ledger.Config{
		Business: models.BusinessDetails{
			Name:      cfg.Business.Name,
			Address:   cfg.Business.Address,
			TaxNumber: cfg.Business.TaxNumber,
		},
		Location:          cfg.Business.Location(),
		TargetPrepMinutes: cfg.Business.TargetPrepMinutes,
		RetryAttempts:     cfg.Business.LedgerRetries,
		RetryInitial:      cfg.Business.LedgerRetryInitial,
		RetryMax:          cfg.Business.LedgerRetryMax,
	})

	provider := settings.NewProvider(cfg.Business.SettingsTTL, sources...)
	registry := gateway.NewRegistry(
		gateway.NewCardRedirect(),
		gateway.NewHostedCheckout(),
		gateway.NewSquareCard(),
		gateway.NewSquareWallet(),
		gateway.NewManualQR(),
		gateway.NewCash(),
	)
	orchestrator := payment.New(l, registry, provider, payment.Config{
		SubmitTimeout: cfg.Business.GatewayTimeout,
		SubmitRetries: cfg.Business.GatewayRetries,
	})

	orderService := service.NewOrderService(l, orchestrator,
		service.NewCatalogClient(catalog, productCache, cfg.Business.CatalogCacheTTL),
		service.Config{Currency: cfg.Business.Currency, TaxRate: cfg.Business.TaxRate})

	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
		callbackWorker = worker.NewPaymentCallbackWorker(consumer, orderService, deduper)
	}
	expiryWorker := worker.NewExpiryWorker(orderService, cfg.Business.PaymentTimeout, cfg.Business.ExpirySweepInterval)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var identity api.IdentityResolver
	if cfg.Auth.JWTSecret != "" {
		identity = api.NewJWTResolver(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, trusting X-Actor headers")
	}

	router := gin.New()
	handler := api.NewHandler(orderService, hub, identity, callbacks)
	for name, check := range readiness {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return provider.Run(gctx, cfg.Business.SettingsRefresh) })
	g.Go(func() error { return expiryWorker.Start(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	if callbackWorker != nil {
		g.Go(func() error { return callbackWorker.Start(gctx) })
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
		if callbackWorker != nil {
			if err := callbackWorker.Stop(); err != nil {
				logger.Warn("Error stopping callback worker", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func toStaticSource(gateways map[string]map[string]string) settings.StaticSource {
	src := make(settings.StaticSource, len(gateways))
	for method, values := range gateways {
		src[method] = settings.Credentials(values)
	}
	return src
}
