package worker

import (
	"context"
	"log/slog"
	"time"

	"agent-job-sync/internal/reconcile"
	"agent-job-sync/internal/schedule"
	"agent-job-sync/internal/telemetry"
)

// JobsSync adapts a reconciliation sweep to a TaskFunc.
func JobsSync(e *reconcile.Engine) TaskFunc {
	return func(ctx context.Context) (map[string]int, error) {
		summary, err := e.Sweep(ctx)
		counts := make(map[string]int)
		for _, o := range summary.Outcomes {
			counts[string(o.Action)]++
		}
		counts["settled"] = summary.Settlements()
		counts["refunded"] = summary.Refunds()
		return counts, err
	}
}

// SchedulesSync adapts a due-schedule run to a TaskFunc.
func SchedulesSync(r *schedule.Runner, now func() time.Time) TaskFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (map[string]int, error) {
		outcomes, err := r.RunDue(ctx, now())
		counts := make(map[string]int)
		for _, o := range outcomes {
			counts[string(o.Result)]++
		}
		return counts, err
	}
}

// Enqueuer accepts sync triggers.
type Enqueuer interface {
	Enqueue(ctx context.Context, task, source string) (bool, error)
}

// Tick enqueues every task once per interval until ctx ends. A task still
// pending from the previous tick is not queued twice.
func Tick(ctx context.Context, q Enqueuer, interval time.Duration, tasks []string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enqueue := func() {
		for _, task := range tasks {
			queued, err := q.Enqueue(ctx, task, "ticker")
			if err != nil {
				logger.Warn("scheduled trigger failed", "task", task, "error", err)
				continue
			}
			if queued {
				telemetry.TaskEnqueued.WithLabelValues(task, "ticker").Inc()
			}
		}
	}

	enqueue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			enqueue()
		}
	}
}
