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

	"github.com/tradepilot/engine/internal/api"
	"github.com/tradepilot/engine/internal/cache"
	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/database"
	"github.com/tradepilot/engine/internal/logging"
	"github.com/tradepilot/engine/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	// Initialize database
	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis
	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Repositories
	queueRepo := database.NewQueueRepository(db.Pool)
	predictionRepo := database.NewPredictionRepository(db.Pool)
	tradeRepo := database.NewTradeRepository(db.Pool)
	marketRepo := database.NewMarketRepository(db.Pool)
	eventRepo := database.NewEventRepository(db.Pool)
	abtestRepo := database.NewABTestRepository(db.Pool)
	versionRepo := database.NewModelVersionRepository(db.Pool)

	statsCache := cache.NewPerformanceCache(redis.Client)

	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.Telegram.BotToken != "" {
		tn, err := services.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tn
	} else {
		logger.Warn("No Telegram bot token configured, alerts will be dropped")
	}

	// Services. The trainer promotes through the experiment manager and the
	// manager promotes concluded winners through the trainer, so the promoter
	// is wired after construction.
	analyzer := services.NewPerformanceAnalyzer(cfg.Improvement, tradeRepo, predictionRepo, queueRepo, eventRepo, statsCache, notifier, logger)
	optimizer := services.NewOptimizer(cfg.Optimizer, tradeRepo, predictionRepo, logger)
	experiments := services.NewExperimentManager(cfg.ABTest, abtestRepo, tradeRepo, eventRepo, notifier, nil, logger)
	trainer := services.NewModelTrainer(cfg.Trainer, cfg.Improvement, predictionRepo, versionRepo, marketRepo, eventRepo, notifier, experiments, logger)
	experiments.SetPromoter(trainer)

	engine := services.NewEngine(cfg.Improvement, queueRepo, predictionRepo, marketRepo, eventRepo,
		analyzer, optimizer, trainer, experiments, notifier, logger)

	if err := engine.Start(); err != nil {
		logger.Fatalf("Failed to start improvement engine: %v", err)
	}
	defer engine.Stop()

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	api.SetupRoutes(router, db, redis, api.Dependencies{
		Queue:       queueRepo,
		Experiments: abtestRepo,
		Events:      eventRepo,
		Models:      versionRepo,
		Engine:      engine,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
