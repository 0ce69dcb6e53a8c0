package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-job-sync/internal/config"
	"agent-job-sync/internal/lock"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/queue"
	"agent-job-sync/internal/ratelimit"
	"agent-job-sync/internal/store"
)

type harness struct {
	srv   *httptest.Server
	queue *queue.RedisQueue
	locks *lock.Manager
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{SyncSecret: "s3cret", TaskQueueKey: "test:tasks", TaskResultPrefix: "test:result:"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewRedisQueue(client, cfg)
	locks := lock.NewManager(store.NewMemory(), lock.Options{Logger: logger})
	limiter := ratelimit.NewTriggerLimiter(client, capacity, 0.001)

	s := New(cfg, q, locks, limiter, logger)
	s.now = func() time.Time { return time.Date(2025, 1, 10, 10, 30, 0, 0, time.UTC) }
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, queue: q, locks: locks}
}

func (h *harness) do(t *testing.T, method, path, secret string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestTriggerRequiresSecret(t *testing.T) {
	h := newHarness(t, 10)

	resp, _ := h.do(t, http.MethodPost, "/sync/jobs-sync", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/sync/jobs-sync", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestTriggerEnqueuesTask(t *testing.T) {
	h := newHarness(t, 10)

	resp, body := h.do(t, http.MethodPost, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "sync started", body["status"])
	assert.Equal(t, true, body["queued"])

	resp, body = h.do(t, http.MethodPost, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["queued"], "already pending")

	task, ok, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.TaskJobsSync, task.Name)
	assert.Equal(t, "http", task.Source)
}

func TestTriggerRejectsUnknownTask(t *testing.T) {
	h := newHarness(t, 10)

	resp, _ := h.do(t, http.MethodPost, "/sync/reindex", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerConflictsWhileLockHeld(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.locks.Acquire(context.Background(), models.TaskSchedulesSync, "worker-2")
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodPost, "/sync/schedules-sync", "s3cret")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "worker-2", body["locked_by"])

	_, err = h.locks.Release(context.Background(), models.TaskSchedulesSync)
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodPost, "/sync/schedules-sync", "s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTriggerRateLimited(t *testing.T) {
	h := newHarness(t, 1)

	resp, _ := h.do(t, http.MethodPost, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1000", resp.Header.Get("Retry-After"))

	resp, _ = h.do(t, http.MethodPost, "/sync/schedules-sync", "s3cret")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "each task is limited on its own")
}

func TestLastResult(t *testing.T) {
	h := newHarness(t, 10)

	resp, _ := h.do(t, http.MethodGet, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, h.queue.RecordResult(context.Background(), models.TaskResult{
		Task:   models.TaskJobsSync,
		Status: models.TaskAlreadySyncing,
		Holder: "worker-1",
	}))
	resp, body := h.do(t, http.MethodGet, "/sync/jobs-sync", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_syncing", body["status"])
}

func TestSchedulePreview(t *testing.T) {
	h := newHarness(t, 10)

	resp, body := h.do(t, http.MethodGet, "/schedules/preview?cron=0+9+*+*+MON&tz=America/New_York&count=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "America/New_York", body["timezone"])
	occ, ok := body["occurrences"].([]any)
	require.True(t, ok)
	require.Len(t, occ, 2)
	first, err := time.Parse(time.RFC3339, occ[0].(string))
	require.NoError(t, err)
	assert.True(t, first.Equal(time.Date(2025, 1, 13, 14, 0, 0, 0, time.UTC)), "first is %s", first)

	resp, _ = h.do(t, http.MethodGet, "/schedules/preview?cron=*/5+*+*+*+*", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/schedules/preview", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 10)
	resp, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
