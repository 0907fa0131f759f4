// cmd/server/main.go
// HTTP Server
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/dispatcher"
	"payment-reconciler/internal/handler"
	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/normalizer"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/verifier"
	"payment-reconciler/shared/pkg/database"
	"payment-reconciler/shared/pkg/logger"
	"payment-reconciler/shared/pkg/middleware"
	"payment-reconciler/shared/pkg/redis"
	"payment-reconciler/shared/pkg/tracing"
)

const serviceName = "payment-reconciler"

func main() {
	// Load configuration
	cfg, err := config.Load(".env", "../../.env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.ForEnvironment(serviceName, cfg.Environment, cfg.LogLevel)
	defer log.Sync()

	// Initialize tracing
	shutdownTracer, err := tracing.InitTracer(serviceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	ctx := context.Background()

	// Initialize storage
	var (
		store repository.Store
		db    *database.PostgresDB
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store, state is lost on restart")
		store = repository.NewMemoryStore()
	default:
		db, err = database.NewPostgresDB(ctx, cfg.DatabaseURL, database.PoolConfig{})
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		pg := repository.NewPostgresStore(db.DB)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate database", zap.Error(err))
		}
		store = pg
	}

	var failures dispatcher.FailureStore
	switch cfg.FailureStoreDriver {
	case config.StoreDriverMongo:
		mongoClient, err := dispatcher.ConnectMongo(ctx, cfg.MongoURL)
		if err != nil {
			log.Fatal("failed to connect to mongo", zap.Error(err))
		}
		defer mongoClient.Disconnect(context.Background())

		mongoFailures := dispatcher.NewMongoFailureStore(mongoClient.Database(cfg.MongoDatabase), "")
		if err := mongoFailures.EnsureIndexes(ctx); err != nil {
			log.Fatal("failed to prepare failure collection", zap.Error(err))
		}
		failures = mongoFailures
	case config.StoreDriverPostgres:
		failures = dispatcher.NewPostgresFailureStore(db.DB)
	default:
		failures = dispatcher.NewMemoryFailureStore()
	}

	// Initialize Redis
	var cache service.ProcessedCache
	var certStore verifier.KeyValueStore
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewRedisClient(cfg.RedisURL)
		defer redisClient.Close()
		cache, certStore = redisClient, redisClient
	}

	collector := metrics.NewCollector()

	// Initialize verification and normalization
	certs := verifier.NewHTTPCertificateSource(nil,
		verifier.NewCertCache(certStore, cfg.CertCacheTTL, log),
		verifier.HTTPCertSourceConfig{AllowedHosts: cfg.WalletCertHosts},
		log)
	verifiers := verifier.NewRegistry().
		Register(models.ProviderCardGateway, verifier.NewCardVerifier(cfg.CardWebhookSecret, cfg.CardSignatureTolerance)).
		Register(models.ProviderWalletGateway, verifier.NewWalletVerifier(cfg.WalletWebhookID, cfg.WalletSignatureTolerance, certs))
	if cfg.CardWebhookSecret == "" {
		log.Warn("CARD_WEBHOOK_SECRET is empty, card webhooks will be rejected")
	}
	if cfg.WalletWebhookID == "" {
		log.Warn("WALLET_WEBHOOK_ID is empty, wallet webhooks will be rejected")
	}

	norm := normalizer.New(normalizer.Config{
		CardPlans:   normalizer.PlanMap(cfg.CardPlanMap),
		WalletPlans: normalizer.PlanMap(cfg.WalletPlanMap),
	})

	// Initialize dispatcher
	var notifier dispatcher.Notifier = dispatcher.NewLogNotifier(log)
	if cfg.NotificationURL != "" {
		notifier = dispatcher.NewHTTPNotifier(cfg.NotificationURL, nil)
	}
	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.MaxAttempts = cfg.DispatchMaxAttempts
	dispatchCfg.InitialBackoff = cfg.DispatchInitialBackoff
	dispatchCfg.MaxBackoff = cfg.DispatchMaxBackoff
	dispatchCfg.Workers = cfg.DispatchWorkers
	dispatchCfg.QueueSize = cfg.DispatchQueueSize
	sideEffects := dispatcher.New(dispatchCfg,
		dispatcher.NewIdentityClient(cfg.IdentityServiceURL, nil),
		notifier, failures, collector, log)
	sideEffects.Start()

	// Initialize services
	reconciler := service.NewReconciliationService(service.Config{
		VerifyTimeout:     cfg.VerifyTimeout,
		PersistTimeout:    cfg.PersistTimeout,
		ProcessedCacheTTL: cfg.ProcessedCacheTTL,
		FreePlanID:        cfg.FreePlanID,
	}, verifiers, norm, store, sideEffects, cache, collector, log)

	// Initialize handlers
	checks := []readinessCheck{{name: "store", ping: store.Ping}}
	if redisClient != nil {
		checks = append(checks, readinessCheck{name: "redis", ping: redisClient.Ping})
	}

	router := setupRouter(routerDeps{
		webhooks:     handler.NewWebhookHandler(reconciler, log),
		dispatch:     handler.NewDispatchHandler(sideEffects, log),
		metrics:      collector.Handler(),
		checks:       checks,
		rateLimitRPS: cfg.RateLimitRPS,
		rateBurst:    cfg.RateLimitBurst,
		maxBodyBytes: cfg.MaxBodyBytes,
		production:   cfg.IsProduction(),
	}, log)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.VerifyTimeout + cfg.PersistTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info("starting server",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("failure_store", cfg.FailureStoreDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Stop after the server so in-flight requests can still enqueue intents.
	if err := sideEffects.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher did not drain", zap.Error(err))
	}

	log.Info("server exited")
}

type readinessCheck struct {
	name string
	ping func(ctx context.Context) error
}

type routerDeps struct {
	webhooks     *handler.WebhookHandler
	dispatch     *handler.DispatchHandler
	metrics      http.Handler
	checks       []readinessCheck
	rateLimitRPS float64
	rateBurst    int
	maxBodyBytes int64
	production   bool
}

func setupRouter(deps routerDeps, log *zap.Logger) *gin.Engine {
	if deps.production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RateLimiter(deps.rateLimitRPS, deps.rateBurst))
	router.Use(middleware.BodyLimit(deps.maxBodyBytes))

	// Health checks
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		failed := gin.H{}
		for _, check := range deps.checks {
			if err := check.ping(ctx); err != nil {
				failed[check.name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Metrics endpoint
	if deps.metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.metrics))
	}

	// API routes
	v1 := router.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/card", deps.webhooks.CardWebhook)
			webhooks.POST("/stripe", deps.webhooks.CardWebhook)
			webhooks.POST("/wallet", deps.webhooks.WalletWebhook)
			webhooks.POST("/paypal", deps.webhooks.WalletWebhook)
		}

		failures := v1.Group("/dispatch/failures")
		{
			failures.GET("", deps.dispatch.ListFailures)
			failures.GET("/stats", deps.dispatch.Stats)
			failures.POST("/:id/retry", deps.dispatch.RetryFailure)
			failures.DELETE("/:id", deps.dispatch.DeleteFailure)
		}
	}

	return router
}
