// Package main provides the batch worker entry point for the video batch service.
// It runs queued batches and the periodic timeout sweep.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/video-batcher/internal/adapter"
	"github.com/video-batcher/internal/config"
	"github.com/video-batcher/internal/job"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/ratelimit"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/worker"
)

func main() {
	concurrency := flag.Int("concurrency", 2, "Number of batches run at the same time")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close() // nolint:errcheck

	var events service.EventRecorder = service.NopEventRecorder{}
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close() // nolint:errcheck
		events = storage.NewPhaseEventRepository(clickhouse)
	}

	logger.Info("Database connections established")

	jobRepo := storage.NewGenerationJobRepository(postgres)
	batchRepo := storage.NewBatchRepository(postgres)
	creditRepo := storage.NewCreditRepository(postgres)

	renderer := adapter.NewHTTPRenderProvider(&cfg.Provider)
	prompts, err := adapter.NewGeminiPromptGenerator(ctx, &cfg.Provider)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create prompt generator")
	}
	defer prompts.Close() // nolint:errcheck

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

	ledger := service.NewCreditLedger(creditRepo, &cfg.Credits)
	orchestrator := job.NewOrchestrator(jobRepo, prompts, renderer, ledger, pacer, events, &cfg.Orchestrator)
	callbacks := job.NewCallbackHandler(jobRepo, ledger, storage.NewCallbackDeduper(redis, 24*time.Hour), events)
	queue := job.NewRedisBatchQueue(redis.Client(), cfg.Worker.QueueName)
	batches := job.NewBatchService(batchRepo, jobRepo, orchestrator, ledger, queue, &cfg.Orchestrator)

	batchWorker, err := worker.NewBatchWorker(&worker.BatchWorkerConfig{
		Source:         queue,
		Runner:         batches,
		Concurrency:    *concurrency,
		DequeueTimeout: cfg.Worker.PollInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create batch worker")
	}

	sweeper := job.NewTimeoutSweeper(jobRepo, ledger, events, cfg.Worker.GeneratingTimeout)
	var poller worker.Poller
	if cfg.Worker.StatusPollEnabled {
		poller = job.NewStatusPoller(jobRepo, renderer, callbacks, cfg.Worker.StatusPollBatch)
	}
	maintenance, err := worker.NewMaintenanceWorker(sweeper, poller, cfg.Worker.SweepInterval)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create maintenance worker")
	}

	if err := batchWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start batch worker")
	}
	if err := maintenance.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start maintenance worker")
	}

	logger.WithFields(map[string]interface{}{
		"concurrency":   *concurrency,
		"queue":         cfg.Worker.QueueName,
		"sweepInterval": cfg.Worker.SweepInterval.String(),
		"statusPolling": cfg.Worker.StatusPollEnabled,
	}).Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := batchWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Batch worker did not stop cleanly")
	}
	if err := maintenance.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Maintenance worker did not stop cleanly")
	}
	cancel()

	status := batchWorker.GetStatus()
	swept, polled := maintenance.Totals()
	logger.WithFields(map[string]interface{}{
		"batchesRun":  status.BatchesRun,
		"lastBatchId": status.LastBatchID,
		"swept":       swept,
		"polled":      polled,
	}).Info("Worker exited")
}
