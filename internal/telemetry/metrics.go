package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	LockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_lock_acquisitions_total", Help: "Lock acquisition attempts by result"}, []string{"key", "result"})
	LockReleases     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_lock_releases_total", Help: "Lock releases by result"}, []string{"key", "result"})
	LockReclaims     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_lock_reclaims_total", Help: "Abandoned locks force-cleared"}, []string{"key"})

	TaskEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_tasks_enqueued_total", Help: "Sync tasks enqueued by trigger source"}, []string{"task", "source"})
	TriggerRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_trigger_rejects_total", Help: "Trigger requests rejected by reason"}, []string{"reason"})
	TaskRuns       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_task_runs_total", Help: "Sync task runs by final status"}, []string{"task", "status"})
	TaskDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "sync_task_duration_seconds", Help: "Wall time of sync task runs", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"task"})
	QueueDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_task_queue_depth", Help: "Sync tasks waiting in the queue"})
	TasksInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_tasks_inflight", Help: "Sync tasks currently running on this worker"})

	JobsPolled        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_polled_total", Help: "Job polls by outcome"}, []string{"outcome"})
	JobTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_transitions_total", Help: "Applied job status transitions by target status"}, []string{"to"})
	StatusRegressions = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_status_regressions_total", Help: "Reported statuses ignored because they ranked below the recorded one"})
	Settlements       = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_settlements_total", Help: "Completed jobs settled"})
	Refunds           = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_refunds_total", Help: "Refund transactions written"})
	JobsCreated       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_created_total", Help: "Job creation attempts by outcome"}, []string{"outcome"})

	SchedulesRun      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "schedules_run_total", Help: "Due schedules processed by outcome"}, []string{"outcome"})
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by result"}, []string{"result"})
	ResultsArchived   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "results_archived_total", Help: "Result payload archival by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			LockAcquisitions,
			LockReleases,
			LockReclaims,
			TaskEnqueued,
			TriggerRejects,
			TaskRuns,
			TaskDuration,
			QueueDepth,
			TasksInFlight,
			JobsPolled,
			JobTransitions,
			StatusRegressions,
			Settlements,
			Refunds,
			JobsCreated,
			SchedulesRun,
			WebhookDeliveries,
			ResultsArchived,
		)
	})
	return promhttp.Handler()
}
