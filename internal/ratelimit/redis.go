package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and consumes atomically.
// KEYS[1] bucket key; ARGV rate/s, capacity, cost, now (seconds, fractional).
var tokenBucket = redis.NewScript(`
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
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)
return allowed
`)

// RedisLimiter shares buckets across API replicas.
type RedisLimiter struct {
	client redis.Scripter
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.Scripter, prefix string, p Policy) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, policy: p, prefix: prefix, now: time.Now}
}

// NewRedisClient is the single place the API and worker build a client from REDIS_ADDR.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucket.Run(ctx, l.client, []string{l.prefix + ":" + key},
		l.policy.perSecond(), l.policy.burst(), cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}
