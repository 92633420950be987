package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shiftflow/pkg/clock"
	"shiftflow/pkg/logging"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

const redisTimeout = 2 * time.Second

// RedisLimiter shares counters across gateway replicas. Any Redis failure
// degrades to the process-local fallback.
type RedisLimiter struct {
	client   redis.UniversalClient
	window   time.Duration
	prefix   string
	fallback *InMemoryLimiter
	clock    clock.Clock
	logger   *zap.Logger
}

func NewRedis(client redis.UniversalClient, window time.Duration, c clock.Clock, logger *zap.Logger) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	c = clock.OrReal(c)
	return &RedisLimiter{
		client:   client,
		window:   window,
		prefix:   "ratelimit:",
		fallback: NewInMemory(window, c),
		clock:    c,
		logger:   logging.OrNop(logger),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Result()
	if err != nil {
		l.logger.Warn("rate limit store unavailable, using local counters", zap.Error(err))
		return l.fallback.Allow(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback.Allow(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	return decide(int(count), limit, l.clock.Now().Add(time.Duration(ttlMs)*time.Millisecond))
}
