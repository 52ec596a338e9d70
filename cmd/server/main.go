package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/outpost-sync/outpost/internal/api"
	"github.com/outpost-sync/outpost/internal/config"
	"github.com/outpost-sync/outpost/internal/database"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/outpost-sync/outpost/internal/repositories"
	"github.com/outpost-sync/outpost/internal/services"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to create postgres pool", zap.Error(err))
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// Repositories
	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)
	queueRepo := repositories.NewPostgresQueueEventRepository(postgresPool)
	conflictRepo := repositories.NewPostgresConflictRepository(postgresPool)
	cacheRepo := repositories.NewPostgresCacheRepository(postgresPool)
	modelRepo := repositories.NewPostgresModelRepository(postgresPool)
	analyticsRepo := repositories.NewPostgresAnalyticsRepository(postgresPool)
	presenceRepo := repositories.NewRedisPresenceRepository(redisClient)

	// Services
	clock := services.NewClock()
	queueSvc := services.NewQueueService(queueRepo, cfg.BackoffSchedule, cfg.MaxAttempts, cfg.SyncedEventRetention, cfg.SyncingStaleAfter, clock, logger)
	resolver := services.NewConflictService(conflictRepo, cfg.HighValueFields, clock, logger)
	registry := services.NewRegistryService(deviceRepo, presenceRepo, queueRepo, cfg.DeviceRetireAfter, clock, logger)
	cacheSvc := services.NewCacheService(cacheRepo, deviceRepo, clock, logger)
	modelSvc := services.NewModelService(modelRepo, clock, logger)
	analyticsSvc := services.NewAnalyticsService(analyticsRepo, cfg.AnalyticsBufferSize, cfg.AnalyticsBatchSize, cfg.AnalyticsRetention, clock, logger)

	engine := services.NewSyncEngine(
		queueSvc, deviceRepo, presenceRepo, resolver,
		cfg.BatchSize, cfg.ApplyTimeout,
		models.ResolutionStrategy(cfg.DefaultStrategy),
		clock, logger,
	)
	registry.SetSyncTrigger(engine.Trigger)

	// Apply handlers are registered by the business layer; the engine only
	// drives them. Register integrations here before the scheduler starts.

	scheduler := services.NewScheduler(
		engine, queueSvc, cacheSvc, modelSvc, analyticsSvc, registry,
		cfg.SyncInterval, cfg.RetentionSweepInterval, cfg.ModelStatsFlushInterval,
		clock, logger,
	)
	go scheduler.Run(ctx)

	// HTTP surface
	handlers := api.NewHandlers(registry, queueSvc, engine, cacheSvc, modelSvc, resolver, analyticsSvc, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.NewRouter(handlers),
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting server", zap.String("port", cfg.ServerPort))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}
