// Package app assembles the components shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"agent-job-sync/internal/config"
	"agent-job-sync/internal/lock"
	"agent-job-sync/internal/reconcile"
	"agent-job-sync/internal/schedule"
	"agent-job-sync/internal/store"
)

// Store is everything the services persist: locks, jobs, schedules and the
// credit ledger.
type Store interface {
	lock.Store
	reconcile.Repository
	reconcile.Ledger
	schedule.Repository
}

var (
	_ Store = (*store.Postgres)(nil)
	_ Store = (*store.Memory)(nil)
)

// NewLogger returns the JSON logger the binaries write with.
func NewLogger(cfg config.Config, service string) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Env == "dev" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", service, "instance_id", cfg.InstanceID)
}

// OpenStore connects the configured backend and applies migrations. The
// returned func releases it.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; state is lost on exit and not shared between processes")
		return store.NewMemory(), func() {}, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// NewLockManager builds the task lock manager over the configured backend.
func NewLockManager(cfg config.Config, st Store, client *redis.Client, logger *slog.Logger) *lock.Manager {
	var backend lock.Store = st
	if cfg.LockBackend == "redis" {
		backend = store.NewRedisLocks(client, "sync:lock:")
	}
	return lock.NewManager(backend, lock.Options{Timeout: cfg.LockTimeout, Logger: logger})
}
