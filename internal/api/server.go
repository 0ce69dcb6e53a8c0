package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-job-sync/internal/config"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/ratelimit"
	"agent-job-sync/internal/recurrence"
	"agent-job-sync/internal/telemetry"
)

const secretHeader = "X-Sync-Secret"

// TaskQueue is the queue side the trigger surface needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, task, source string) (bool, error)
	LastResult(ctx context.Context, task string) (models.TaskResult, bool, error)
}

// LockStatus reports whether a task's lock is live.
type LockStatus interface {
	Status(ctx context.Context, key string) (models.Lock, bool, error)
}

// Limiter throttles triggers per task.
type Limiter interface {
	Allow(ctx context.Context, task string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the sync trigger API.
type Server struct {
	secret  string
	queue   TaskQueue
	locks   LockStatus
	limiter Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, q TaskQueue, locks LockStatus, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		secret:  cfg.SyncSecret,
		queue:   q,
		locks:   locks,
		limiter: limiter,
		now:     time.Now,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/schedules/preview", s.handlePreview)
	r.Route("/sync/{task}", func(r chi.Router) {
		r.Use(s.requireSecret)
		r.Post("/", s.handleTrigger)
		r.Get("/", s.handleLastResult)
	})
	return r
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(secretHeader)
		if s.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			telemetry.TriggerRejects.WithLabelValues("unauthorized").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type triggerResponse struct {
	Status string `json:"status"`
	Task   string `json:"task"`
	Queued bool   `json:"queued"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	if !models.KnownTask(task) {
		telemetry.TriggerRejects.WithLabelValues("unknown_task").Inc()
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), task)
		if err != nil {
			s.logger.Error("rate limit check failed", "task", task, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.TriggerRejects.WithLabelValues("rate_limited").Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	current, held, err := s.locks.Status(r.Context(), task)
	if err != nil {
		s.logger.Error("lock status failed", "task", task, "error", err)
		writeError(w, http.StatusInternalServerError, "lock status unavailable")
		return
	}
	if held {
		telemetry.TriggerRejects.WithLabelValues("already_syncing").Inc()
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":    "already syncing",
			"task":      task,
			"locked_by": current.LockedBy,
			"locked_at": current.LockedAt,
		})
		return
	}

	queued, err := s.queue.Enqueue(r.Context(), task, "http")
	if err != nil {
		s.logger.Error("enqueue failed", "task", task, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if queued {
		telemetry.TaskEnqueued.WithLabelValues(task, "http").Inc()
	}
	s.logger.Info("sync triggered", "task", task, "queued", queued)
	writeJSON(w, http.StatusAccepted, triggerResponse{Status: "sync started", Task: task, Queued: queued})
}

func (s *Server) handleLastResult(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	if !models.KnownTask(task) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	res, ok, err := s.queue.LastResult(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "result unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type previewResponse struct {
	Cron        string      `json:"cron"`
	Kind        string      `json:"kind"`
	Description string      `json:"description"`
	Timezone    string      `json:"timezone"`
	Occurrences []time.Time `json:"occurrences"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expr := q.Get("cron")
	if expr == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}
	count := 5
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			writeError(w, http.StatusBadRequest, "count must be between 1 and 50")
			return
		}
		count = n
	}
	tz := q.Get("tz")
	if tz == "" {
		tz = "UTC"
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := recurrence.Parse(expr)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, recurrence.ErrUnsupportedRecurrence) {
			code = http.StatusUnprocessableEntity
		}
		writeError(w, code, err.Error())
		return
	}
	times, err := recurrence.Occurrences(p, s.now(), loc, count)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Cron:        expr,
		Kind:        p.Kind.String(),
		Description: recurrence.Describe(p),
		Timezone:    tz,
		Occurrences: times,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
