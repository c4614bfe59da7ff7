package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "zeblit:ratelimit:"
	redisAllowTimeout = 250 * time.Millisecond
	redisPingTimeout  = 2 * time.Second
)

// fixedWindow increments the counter and starts its window in one round
// trip, so a counter can never be left without an expiry. It returns the
// count and the remaining window in milliseconds.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// redisRateLimiter shares fixed windows across API replicas. It fails open:
// when redis is unreachable requests are allowed and the error is logged.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter constructs a Redis backed rate limiter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger != nil {
		logger = logger.With("component", "rate_limiter")
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisAllowTimeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, rl.client, []string{redisKeyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if rl.logger != nil {
			rl.logger.Error("redis rate limiter unavailable, allowing request", "key", key, "error", err)
		}
		return rateDecision{allowed: true}
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
