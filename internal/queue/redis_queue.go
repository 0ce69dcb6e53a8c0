package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-job-sync/internal/config"
	"agent-job-sync/internal/models"
)

// RedisQueue carries sync tasks from triggers to workers. The ready list
// holds task names; the pending hash maps each waiting name to its payload
// and dedupes a burst of triggers into one run. Both keys change together
// inside one script, so a name is pending exactly while it is in the list.
type RedisQueue struct {
	client       *redis.Client
	readyKey     string
	pendingKey   string
	resultPrefix string
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	ready := cfg.TaskQueueKey
	if ready == "" {
		ready = "sync:tasks"
	}
	prefix := cfg.TaskResultPrefix
	if prefix == "" {
		prefix = "sync:result:"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     ready,
		pendingKey:   ready + ":pending",
		resultPrefix: prefix,
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
}

// Enqueue queues task unless it is already waiting. queued is false for a
// duplicate.
func (q *RedisQueue) Enqueue(ctx context.Context, task, source string) (bool, error) {
	payload, err := json.Marshal(models.Task{Name: task, Source: source, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.client, []string{q.pendingKey, q.readyKey}, task, payload).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task, err)
	}
	return n == 1, nil
}

// Dequeue waits up to wait for the next task. ok is false on timeout. When
// ok is true the task has left the queue, even if err reports a payload that
// could not be decoded; the caller still owns running it.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (models.Task, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		task, ok, err := q.pop(ctx)
		if ok || err != nil {
			return task, ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return models.Task{}, false, nil
		}
		select {
		case <-ctx.Done():
			return models.Task{}, false, ctx.Err()
		case <-time.After(min(left, q.pollInterval)):
		}
	}
}

func (q *RedisQueue) pop(ctx context.Context) (models.Task, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.pendingKey}).StringSlice()
	if errors.Is(err, redis.Nil) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return models.Task{}, false, fmt.Errorf("unexpected dequeue reply: %v", res)
	}
	task := models.Task{Name: res[0]}
	if res[1] == "" {
		return task, true, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return models.Task{Name: res[0]}, true, fmt.Errorf("decode task %s: %w", res[0], err)
	}
	task.Name = res[0]
	return task, true, nil
}

// Depth returns how many tasks are waiting.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// RecordResult stores the latest result for its task.
func (q *RedisQueue) RecordResult(ctx context.Context, r models.TaskResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.resultPrefix+r.Task, raw, 0).Err()
}

// LastResult returns the most recent result for task.
func (q *RedisQueue) LastResult(ctx context.Context, task string) (models.TaskResult, bool, error) {
	raw, err := q.client.Get(ctx, q.resultPrefix+task).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TaskResult{}, false, nil
	}
	if err != nil {
		return models.TaskResult{}, false, err
	}
	var r models.TaskResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.TaskResult{}, false, fmt.Errorf("decode result: %w", err)
	}
	return r, true, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local name = redis.call('LPOP', KEYS[1])
if not name then
  return false
end
local payload = redis.call('HGET', KEYS[2], name) or ''
redis.call('HDEL', KEYS[2], name)
return {name, payload}
`)
