package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-job-sync/internal/models"
)

// RedisLocks keeps each lock in a hash and performs every conditional write
// as a Lua script so the check and the write are one atomic step.
type RedisLocks struct {
	client *redis.Client
	prefix string
}

// NewRedisLocks builds a lock store. Keys are namespaced under prefix.
func NewRedisLocks(client *redis.Client, prefix string) *RedisLocks {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLocks{client: client, prefix: prefix}
}

func (r *RedisLocks) key(name string) string { return r.prefix + name }

func (r *RedisLocks) CreateHeldLock(ctx context.Context, key, holder string, at time.Time) (int64, error) {
	return createLockScript.Run(ctx, r.client, []string{r.key(key)}, holder, at.UnixMilli()).Int64()
}

func (r *RedisLocks) GetLock(ctx context.Context, key string) (models.Lock, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return models.Lock{}, false, err
	}
	if len(vals) == 0 {
		return models.Lock{}, false, nil
	}
	l := models.Lock{Key: key, IsLocked: vals["is_locked"] == "1"}
	if by, ok := vals["locked_by"]; ok && by != "" {
		l.LockedBy = &by
	}
	if raw, ok := vals["locked_at"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.Lock{}, false, fmt.Errorf("lock %q locked_at: %w", key, err)
		}
		at := time.UnixMilli(ms).UTC()
		l.LockedAt = &at
	}
	return l, true, nil
}

func (r *RedisLocks) ClearExpiredLock(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	return clearExpiredScript.Run(ctx, r.client, []string{r.key(key)}, cutoff.UnixMilli()).Int64()
}

func (r *RedisLocks) TryLock(ctx context.Context, key, holder string, at time.Time) (int64, error) {
	return tryLockScript.Run(ctx, r.client, []string{r.key(key)}, holder, at.UnixMilli()).Int64()
}

func (r *RedisLocks) Unlock(ctx context.Context, key string) (int64, error) {
	return unlockScript.Run(ctx, r.client, []string{r.key(key)}).Int64()
}

var createLockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'is_locked', '1', 'locked_by', ARGV[1], 'locked_at', ARGV[2])
return 1
`)

var clearExpiredScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'is_locked', 'locked_at')
if data[1] == '1' and data[2] and tonumber(data[2]) < tonumber(ARGV[1]) then
  redis.call('HSET', KEYS[1], 'is_locked', '0')
  return 1
end
return 0
`)

var tryLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'is_locked') == '0' then
  redis.call('HSET', KEYS[1], 'is_locked', '1', 'locked_by', ARGV[1], 'locked_at', ARGV[2])
  return 1
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'is_locked') == '1' then
  redis.call('HSET', KEYS[1], 'is_locked', '0')
  return 1
end
return 0
`)
