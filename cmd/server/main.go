// Package main provides the API server entry point for the video batch service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/api"
	"github.com/video-batcher/internal/config"
	"github.com/video-batcher/internal/job"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := logging.WithLogger(context.Background(), logger)

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close() // nolint:errcheck

	health := map[string]api.HealthChecker{
		"postgres": postgres,
		"redis":    redis,
	}

	// ClickHouse only receives analytics; the service runs without it
	var events service.EventRecorder = service.NopEventRecorder{}
	var analytics api.AnalyticsInterface
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close() // nolint:errcheck
		phaseEvents := storage.NewPhaseEventRepository(clickhouse)
		events = phaseEvents
		analytics = phaseEvents
		health["clickhouse"] = clickhouse
	}

	logger.Info("Database connections established")

	// Repositories
	jobRepo := storage.NewGenerationJobRepository(postgres)
	batchRepo := storage.NewBatchRepository(postgres)
	creditRepo := storage.NewCreditRepository(postgres)

	// External collaborators
	renderer := adapter.NewHTTPRenderProvider(&cfg.Provider)
	prompts, err := adapter.NewGeminiPromptGenerator(ctx, &cfg.Provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create prompt generator")
	}
	defer prompts.Close() // nolint:errcheck
	mediaHost, err := adapter.NewCloudinaryMediaHost(&cfg.MediaHost)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create media host client")
	}

	// Submission pacing shared with the workers through Redis
	tracker, err := ratelimit.NewSubmissionBudgetTracker(&ratelimit.SubmissionBudgetConfig{
		Redis:          redis.Client(),
		TotalBudget:    cfg.Orchestrator.SubmissionsPerWindow,
		ReservedBudget: cfg.Orchestrator.ReservedSubmissions,
		WindowSize:     cfg.Orchestrator.SubmissionWindow,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create submission budget tracker")
	}
	pacer, err := ratelimit.NewSubmissionPacer(&ratelimit.SubmissionPacerConfig{
		Spacing: cfg.Orchestrator.SubmissionDelay,
		Tracker: tracker,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create submission pacer")
	}

	// Services
	ledger := service.NewCreditLedger(creditRepo, &cfg.Credits)
	orchestrator := job.NewOrchestrator(jobRepo, prompts, renderer, ledger, pacer, events, &cfg.Orchestrator)
	callbacks := job.NewCallbackHandler(jobRepo, ledger, storage.NewCallbackDeduper(redis, 24*time.Hour), events)
	stitching := service.NewStitchingService(jobRepo, mediaHost, events, &cfg.Orchestrator)
	queue := job.NewRedisBatchQueue(redis.Client(), cfg.Worker.QueueName)
	batches := job.NewBatchService(batchRepo, jobRepo, orchestrator, ledger, queue, &cfg.Orchestrator)

	logger.Info("Services initialized")

	server := api.NewServer(&api.ServerConfig{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		ReadTimeout:         cfg.Server.ReadTimeout,
		WriteTimeout:        cfg.Server.WriteTimeout,
		IdleTimeout:         60 * time.Second,
		RequestsPerSecond:   cfg.RateLimit.RequestsPerSecond,
		Burst:               cfg.RateLimit.Burst,
		PaymentSecret:       cfg.Webhooks.PaymentSecret,
		RenderCallbackToken: cfg.Webhooks.RenderCallbackToken,
		Logger:              logger,
	}, api.Services{
		Batches:      batches,
		Orchestrator: orchestrator,
		Stitching:    stitching,
		Credits:      ledger,
		Callbacks:    callbacks,
		Analytics:    analytics,
		Queue:        queue,
		Health:       health,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
