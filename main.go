package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dukapay/cache"
	"dukapay/config"
	"dukapay/database"
	"dukapay/gateway"
	"dukapay/handlers"
	"dukapay/kafka"
	"dukapay/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load(logger)

	// Initialize database
	db, err := database.InitDB(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Redis is optional; the gateway falls back to per-call token fetches
	// and reports are served uncached.
	rdb, err := cache.InitRedis(cfg, logger)
	if err != nil {
		logger.Warn("Redis unavailable, running without cache", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("payment-core")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	gatewayClient := gateway.NewClient(cfg, rdb, logger)

	paymentHandler := handlers.NewPaymentHandler(db, gatewayClient, producer, cfg.KafkaTopic, logger)
	refundHandler := handlers.NewRefundHandler(db, gatewayClient, producer, cfg.KafkaTopic, logger)
	reconHandler := handlers.NewReconciliationHandler(db, gatewayClient, producer, cfg.KafkaTopic, rdb, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Customer-facing payment endpoints
	router.POST("/payments/initiate", paymentHandler.InitiatePayment)
	router.POST("/payments/query", paymentHandler.QueryPayment)
	router.GET("/payments/status", paymentHandler.GetPaymentStatus)
	router.POST("/refunds/initiate", refundHandler.InitiateRefund)

	// Provider callbacks
	router.POST("/payments/callback", paymentHandler.HandleCallback)
	router.POST("/refunds/callback", refundHandler.HandleCallback)

	// Admin-only endpoints
	admin := router.Group("/", middleware.AdminAuthMiddleware(cfg.JWTSecret))
	admin.POST("/refunds/approve", refundHandler.ApproveRefund)
	admin.POST("/refunds/deny", refundHandler.DenyRefund)
	admin.GET("/refunds/history", refundHandler.GetRefundHistory)
	admin.GET("/refunds/statistics", refundHandler.GetRefundStatistics)
	admin.POST("/reconciliation/reconcile", reconHandler.ReconcilePayment)
	admin.POST("/reconciliation/reconcile-range", reconHandler.ReconcileRange)
	admin.GET("/reconciliation/discrepancies", reconHandler.GetDiscrepancies)
	admin.POST("/reconciliation/manual-match", reconHandler.ManualMatch)
	admin.GET("/reconciliation/report", reconHandler.GenerateReport)

	// Start REST server
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Payment core started", zap.String("addr", cfg.HTTPAddr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	logger.Info("Server exited")
}
