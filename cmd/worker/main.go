package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"mockupforge/internal/adapter/repo"
	"mockupforge/internal/assets"
	"mockupforge/internal/compose"
	"mockupforge/internal/detect"
	"mockupforge/internal/infra"
	"mockupforge/internal/pipeline"
	"mockupforge/internal/storage"
	"mockupforge/internal/transform"
	"mockupforge/internal/watch"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to ensure schema")
	}

	blobs, err := storage.NewBlobStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)
	checkpoints := repo.NewCheckpointStore(runner)
	costs := repo.NewCostLedger(runner)

	detectorClient := detect.NewClient(detect.Options{
		BaseURL:    cfg.DetectorBaseURL,
		APIKey:     cfg.DetectorAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.DetectTimeout},
		Logger:     logger,
	})
	if !detectorClient.Configured() {
		logger.Warn().Msg("worker: detector not configured, using heuristic region detection")
	}

	detector := detect.NewService(detectorClient, detect.Config{
		PlacementLabels:    cfg.PlacementLabels,
		ConfidenceFloor:    cfg.ConfidenceFloor,
		MinRegionAreaRatio: cfg.MinRegionAreaRatio,
		MinRegionSizePx:    cfg.MinRegionSizePx,
		FallbackMargin:     cfg.FallbackMarginRatio,
		FallbackConfidence: cfg.FallbackConfidence,
	}, logger)

	fetcher := assets.NewFetcher(blobs, cfg.MaxAssetBytes, logger).
		WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout})

	warper := transform.NewTransformer(transform.Config{
		MinRegionSizePx: cfg.MinRegionSizePx,
		PerspectiveSkew: cfg.PerspectiveSkew,
	}, logger)

	composer := compose.NewCompositor(blobs, logger)

	orchestrator := pipeline.New(
		jobs, checkpoints, costs, blobs,
		fetcher, detector, warper, composer,
		pipeline.Options{
			Policies: pipeline.Policies{
				pipeline.StageFetchAssets:   {Timeout: cfg.FetchTimeout, MaxAttempts: cfg.FetchAttempts},
				pipeline.StageDetectRegions: {Timeout: cfg.DetectTimeout, MaxAttempts: cfg.DetectAttempts},
				pipeline.StageTransform:     {Timeout: cfg.TransformTimeout, MaxAttempts: cfg.TransformAttempts},
				pipeline.StageComposeStore:  {Timeout: cfg.ComposeTimeout, MaxAttempts: cfg.ComposeAttempts},
			},
			MaxStagePayloadBytes: cfg.MaxStagePayloadBytes,
			HeartbeatInterval:    cfg.StaleAfter / 4,
			CostDetectionUSD:     cfg.CostDetectionUSD,
			CostStorageGBMonth:   cfg.CostStorageGBMonth,
		},
		logger,
	)

	watcher := watch.New(jobs, orchestrator, watch.Options{
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.StaleAfter,
		Concurrency:  cfg.WorkerConcurrency,
	}, logger)

	logger.Info().Msg("worker: started")
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
