package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:sync:"

// TriggerLimiter throttles manual sync triggers with a Redis token bucket.
// Every task has its own bucket, so a burst of jobs-sync triggers never
// rejects a schedules-sync trigger. Buckets are shared by all API instances.
type TriggerLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one trigger check.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is when the next token arrives. Zero when allowed or when
	// the bucket never refills.
	RetryAfter time.Duration
}

// NewTriggerLimiter allows capacity triggers per task in a burst, refilled
// at refillPerSecond. An idle bucket expires once it would be full again.
func NewTriggerLimiter(client *redis.Client, capacity int, refillPerSecond float64) *TriggerLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	ttl := time.Hour
	if refillPerSecond > 0 {
		ttl = time.Duration(math.Ceil(float64(capacity)/refillPerSecond))*time.Second + time.Second
	}
	return &TriggerLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for refill.
func (l *TriggerLimiter) WithClock(now func() time.Time) *TriggerLimiter {
	l.now = now
	return l
}

// Key is the Redis key holding task's bucket.
func Key(task string) string { return keyPrefix + task }

// Allow spends one of task's tokens if one is left.
func (l *TriggerLimiter) Allow(ctx context.Context, task string) (Decision, error) {
	key := Key(task)
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", task, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", task, res)
	}
	d := Decision{Allowed: res[0] == 1, Remaining: int(res[1])}
	if !d.Allowed && res[2] > 0 {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

// Lua numbers come back truncated to integers, so the script reports whole
// tokens and the wait in milliseconds.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed, retry = 0, 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens), retry}
`)
