package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in redis so the limit
// holds across replicas.
// KEYS[1] = bucket key, ARGV = rate (tokens/s), capacity, cost, now (s).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is the shared limiter for multi-replica deployments.
type RedisLimiter struct {
	rdb   *redis.Client
	rps   float64
	burst int
}

// NewRedisLimiter creates a limiter over an existing redis client.
func NewRedisLimiter(rdb *redis.Client, rps int, burst int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rps: float64(rps), burst: burst}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{"formbridge:limiter:" + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, isInt := res.(int64)
	if !isInt {
		return false, fmt.Errorf("unexpected limiter script result %T", res)
	}
	return allowed == 1, nil
}
