package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-webhook sliding-window limiter on outbound attempts.
// Each attempt is a member of a sorted set scored by its millisecond
// timestamp; a Lua script trims, counts and adds atomically.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
end
return 0
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      time.Second,
	}
}

func rlKey(webhookID string) string {
	return fmt.Sprintf("rl:%s", webhookID)
}

// Allow reports whether another attempt to webhookID fits in the current
// one-second window. A limit <= 0 disables limiting; Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, webhookID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(webhookID)},
		now, rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "webhook_id", webhookID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "webhook_id", webhookID, "limit", limit)
		return false
	}
	return true
}

// Window is the length of the sliding window.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}
