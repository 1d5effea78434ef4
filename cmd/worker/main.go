package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"scribe/internal/adapter/repo"
	"scribe/internal/credits"
	"scribe/internal/infra"
	"scribe/internal/orchestrator"
	"scribe/internal/steprun"
	"scribe/internal/storage"
	"scribe/internal/synthesis"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	artifacts, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage init failed")
	}

	store := repo.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: migrations failed")
	}
	ledger := credits.NewLedger(pool)
	renderer := synthesis.NewClient(synthesis.Options{
		BaseURL: cfg.SynthesisBaseURL,
		Timeout: cfg.SynthesisTimeout,
	})

	rt := steprun.New(steprun.NewPGStore(pool), logger, steprun.Options{
		PollInterval:   cfg.WorkerPoll,
		Lease:          cfg.WorkerLease,
		MaxRunAttempts: cfg.MaxRunAttempts,
	})
	orchestrator.New(
		store.Batches,
		store.Variants,
		ledger,
		store.Usage,
		renderer,
		artifacts,
		logger,
	).Register(rt)

	logger.Info().Msg("worker: starting")
	if err := rt.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: loop failed")
	}
	logger.Info().Msg("worker: stopped")
}
