package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"agent-job-sync/internal/app"
	"agent-job-sync/internal/archive"
	"agent-job-sync/internal/config"
	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/provider"
	"agent-job-sync/internal/queue"
	"agent-job-sync/internal/reconcile"
	"agent-job-sync/internal/schedule"
	"agent-job-sync/internal/telemetry"
	"agent-job-sync/internal/webhook"
	workerproc "agent-job-sync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg, "worker")
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policy, err := credits.NewFeePolicy(cfg.FeePercent, cfg.FeeMinimum)
	if err != nil {
		logger.Error("fee policy", "error", err)
		os.Exit(1)
	}

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Error("init result archive", "error", err)
		os.Exit(1)
	}

	client := queue.NewRedisClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	locks := app.NewLockManager(cfg, st, client, logger)

	agents := provider.New(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	engine := reconcile.NewEngine(st, agents, reconcile.Options{
		Concurrency:   cfg.PollConcurrency,
		BatchSize:     cfg.PollBatchSize,
		Deadline:      cfg.SyncDeadline,
		OrphanTimeout: cfg.OrphanTimeout,
		Archiver:      archiver,
		Notifier:      webhook.New(cfg.WebhookTimeout, logger),
		Logger:        logger.With("component", "reconcile"),
	})
	submitter := reconcile.NewSubmitter(st, agents, policy, logger.With("component", "submit"))
	runner := schedule.NewRunner(st, submitter, schedule.Options{
		BatchSize: cfg.ScheduleBatchSize,
		Logger:    logger.With("component", "schedule"),
	})

	processor := workerproc.NewProcessor(cfg, q, locks, logger.With("component", "processor"))
	processor.RegisterTask(models.TaskJobsSync, workerproc.JobsSync(engine))
	processor.RegisterTask(models.TaskSchedulesSync, workerproc.SchedulesSync(runner, nil))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	if cfg.SyncInterval > 0 {
		go workerproc.Tick(ctx, q, cfg.SyncInterval, []string{models.TaskJobsSync, models.TaskSchedulesSync}, logger)
	}

	logger.Info("worker started",
		"sync_interval", cfg.SyncInterval,
		"sync_deadline", cfg.SyncDeadline,
		"lock_timeout", cfg.LockTimeout,
		"lock_backend", cfg.LockBackend,
		"store_backend", cfg.StoreBackend)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
