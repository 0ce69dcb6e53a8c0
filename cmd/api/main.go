package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "agent-job-sync/internal/api"
	"agent-job-sync/internal/app"
	"agent-job-sync/internal/config"
	"agent-job-sync/internal/queue"
	"agent-job-sync/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg, "api")
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.SyncSecret == "" {
		logger.Warn("SYNC_SECRET is empty; every trigger will be rejected")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	client := queue.NewRedisClient(cfg)
	defer client.Close()

	q := queue.NewRedisQueue(client, cfg)
	locks := app.NewLockManager(cfg, st, client, logger)
	limiter := ratelimit.NewTriggerLimiter(client, cfg.RateLimitCap, cfg.RateLimitRefill)

	server := api.New(cfg, q, locks, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "addr", httpServer.Addr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
