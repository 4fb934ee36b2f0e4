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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/EmmaGHimself/payment/internal/breaker"
	"github.com/EmmaGHimself/payment/internal/config"
	"github.com/EmmaGHimself/payment/internal/handler"
	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/provider"
	"github.com/EmmaGHimself/payment/internal/repository"
	"github.com/EmmaGHimself/payment/internal/service"
	"github.com/EmmaGHimself/payment/internal/settlement"
	"github.com/EmmaGHimself/payment/internal/webhook"
	"github.com/EmmaGHimself/payment/pkg/database"
	"github.com/EmmaGHimself/payment/pkg/logger"
	"github.com/EmmaGHimself/payment/pkg/middleware"
	"github.com/EmmaGHimself/payment/pkg/redis"
)

func main() {
	log := logger.NewLogger("payment")
	defer log.Sync()

	cfg := config.Load()

	db, err := database.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := migrate(db); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient := redis.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	// Repositories
	chargeRepo := repository.NewChargeRepository(db.DB)
	settlementRepo := repository.NewSettlementRepository(db.DB)
	requestLogRepo := repository.NewRequestLogRepository(db.DB)

	// Provider transport behind the shared circuit breaker
	cb := breaker.New(breaker.NewRedisStore(redisClient), breaker.Options{
		Timeout:           cfg.Breaker.Timeout,
		ErrorThresholdPct: cfg.Breaker.ErrorThresholdPct,
		ResetTimeout:      cfg.Breaker.ResetTimeout,
		MinimumCalls:      cfg.Breaker.MinimumCalls,
	}, log)
	transport := provider.NewTransport(cb, cfg.Paystack.Timeout, log)

	registry := provider.NewRegistry()
	registry.Register(provider.NewPaystackProvider(cfg.Paystack, transport, log))
	registry.Register(provider.NewKnipProvider(cfg.Knip, transport, log))
	registry.Register(provider.NewStripeProvider(cfg.Stripe, log))

	// Settlement pipeline
	dispatcher := settlement.NewDispatcher(cfg.KafkaBrokers, cfg.SettleTopic, log)
	defer dispatcher.Close()
	processor := settlement.NewProcessor(chargeRepo, settlementRepo, cfg.Fees, log)
	consumer := settlement.NewConsumer(cfg.KafkaBrokers, cfg.SettleTopic, processor, log)
	defer consumer.Close()

	// Merchant resolution is delegated to a directory service in
	// production; a single configured merchant covers local development.
	merchants := service.NewStaticMerchantResolver(&service.Merchant{
		ID:        getEnv("MERCHANT_ID", "merchant-dev"),
		Name:      getEnv("MERCHANT_NAME", "Development Merchant"),
		PublicKey: getEnv("MERCHANT_PUBLIC_KEY", "pk_test_dev"),
		Livemode:  cfg.Environment == "production",
	})

	chargeService := service.NewChargeService(chargeRepo, registry, dispatcher, processor, settlementRepo, merchants, log)
	reconciler := webhook.NewReconciler(registry, chargeRepo, chargeService, requestLogRepo, log)

	chargeHandler := handler.NewChargeHandler(chargeService, settlementRepo, log)
	webhookHandler := handler.NewWebhookHandler(reconciler, log)

	router := setupRouter(cfg, chargeHandler, webhookHandler, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Info("starting settlement consumer", zap.String("topic", cfg.SettleTopic))
		if err := consumer.Run(ctx); err != nil {
			log.Error("settlement consumer stopped", zap.Error(err))
		}
	}()

	go func() {
		log.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

func setupRouter(cfg *config.Config, charges *handler.ChargeHandler, webhooks *handler.WebhookHandler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())
	router.Use(middleware.RateLimiter(rate.Limit(50), 100))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		chargeRoutes := v1.Group("/charges")
		{
			chargeRoutes.POST("", charges.Initiate)
			chargeRoutes.GET("/:identifier", charges.Get)
			chargeRoutes.POST("/:identifier/pay", charges.Pay)
			chargeRoutes.POST("/:identifier/validate", charges.Validate)
			chargeRoutes.GET("/:identifier/requery", charges.Requery)
			chargeRoutes.POST("/:identifier/cancel", charges.Cancel)
		}

		// Operator and merchant endpoints require authentication.
		secured := v1.Group("")
		secured.Use(middleware.MerchantAuth(cfg.JWTSecret))
		{
			secured.POST("/charges/:identifier/settle", charges.Settle)
			secured.POST("/refunds", charges.Refund)
			secured.GET("/settlements/stats", charges.SettlementStats)
		}

		v1.POST("/webhooks/:provider", webhooks.Receive)
	}

	return router
}

func migrate(db *database.PostgresDB) error {
	for _, schema := range []string{models.ChargeSchema, models.SettlementSchema} {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
