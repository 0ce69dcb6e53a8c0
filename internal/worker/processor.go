package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"agent-job-sync/internal/config"
	"agent-job-sync/internal/lock"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/telemetry"
)

// Queue is the task queue the processor consumes.
type Queue interface {
	Dequeue(ctx context.Context, wait time.Duration) (models.Task, bool, error)
	Depth(ctx context.Context) (int64, error)
	RecordResult(ctx context.Context, r models.TaskResult) error
}

// Locker runs fn while holding the named lock.
type Locker interface {
	Run(ctx context.Context, key, holder string, deadline time.Duration, fn func(context.Context) error) error
}

// TaskFunc performs one sync and returns per-outcome counts for the result.
type TaskFunc func(ctx context.Context) (map[string]int, error)

// Processor drives the worker execution loop.
type Processor struct {
	queue       Queue
	locker      Locker
	tasks       map[string]TaskFunc
	holder      string
	deadline    time.Duration
	wait        time.Duration
	backoffInit time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, locker Locker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:       q,
		locker:      locker,
		tasks:       make(map[string]TaskFunc),
		holder:      cfg.InstanceID,
		deadline:    cfg.SyncDeadline,
		wait:        cfg.TaskWait,
		backoffInit: cfg.WorkerBackoffInit,
		backoffMax:  cfg.WorkerBackoffMax,
		now:         time.Now,
		logger:      logger,
	}
}

// RegisterTask binds fn to a task name.
func (p *Processor) RegisterTask(name string, fn TaskFunc) {
	if name == "" || fn == nil {
		return
	}
	p.tasks[name] = fn
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		task, ok, err := p.queue.Dequeue(ctx, p.wait)
		if ok {
			// Popped tasks are run even when the payload was damaged.
			if err != nil {
				p.logger.Warn("dequeued task with error", "task", task.Name, "error", err)
			}
			failures = 0
			p.Execute(ctx, task)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoffWithJitter(p.backoffInit, p.backoffMax, failures)
			p.logger.Warn("dequeue failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
	}
}

// Execute runs one task under its lock and records the result. A task
// already running elsewhere is recorded as already_syncing, not failed.
func (p *Processor) Execute(ctx context.Context, task models.Task) models.TaskResult {
	log := p.logger.With("task", task.Name, "source", task.Source, "holder", p.holder)
	res := models.TaskResult{Task: task.Name, Holder: p.holder, StartedAt: p.now().UTC()}

	fn, ok := p.tasks[task.Name]
	if !ok {
		res.Status, res.Error = models.TaskFailed, fmt.Sprintf("no task registered for %q", task.Name)
	} else {
		telemetry.TasksInFlight.Inc()
		err := p.locker.Run(ctx, task.Name, p.holder, p.deadline, func(ctx context.Context) error {
			counts, err := fn(ctx)
			res.Counts = counts
			return err
		})
		telemetry.TasksInFlight.Dec()
		res.Status = classify(err)
		if err != nil {
			res.Error = err.Error()
		}
	}
	res.FinishedAt = p.now().UTC()

	telemetry.TaskRuns.WithLabelValues(task.Name, string(res.Status)).Inc()
	telemetry.TaskDuration.WithLabelValues(task.Name).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	switch res.Status {
	case models.TaskCompleted:
		log.Info("task completed", "counts", res.Counts, "duration", res.FinishedAt.Sub(res.StartedAt))
	case models.TaskAlreadySyncing, models.TaskLockLost:
		log.Info("task skipped", "status", res.Status, "reason", res.Error)
	default:
		log.Error("task did not complete", "status", res.Status, "error", res.Error, "counts", res.Counts)
	}

	if err := p.queue.RecordResult(context.WithoutCancel(ctx), res); err != nil {
		log.Error("record task result failed", "error", err)
	}
	return res
}

func classify(err error) models.TaskStatus {
	switch {
	case err == nil:
		return models.TaskCompleted
	case errors.Is(err, lock.ErrLockHeld):
		return models.TaskAlreadySyncing
	case errors.Is(err, lock.ErrLockNotAcquired):
		return models.TaskLockLost
	case errors.Is(err, context.DeadlineExceeded):
		return models.TaskDeadlineExceeded
	}
	return models.TaskFailed
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
