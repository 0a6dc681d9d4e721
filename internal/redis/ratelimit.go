package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/ratelimit"
)

// slidingWindowScript prunes, counts and conditionally records in one round
// trip so concurrent replicas cannot both take the last slot.
// Returns {1, 0} when admitted or {0, wait_ms} when the window is full.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local wait = tonumber(oldest[2]) + window - now
	if wait < 0 then wait = 0 end
	return {0, wait}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RateLimiter is the Redis-backed counterpart of ratelimit.Limiter. Each
// identifier maps to a sorted set of send timestamps; keys expire with the
// window, so empty identifiers are collected by Redis itself.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config ratelimit.Config
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, cfg ratelimit.Config) *RateLimiter {
	def := ratelimit.DefaultConfig()
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// CheckAndRecord admits one send for identifier or returns *ratelimit.Error.
func (r *RateLimiter) CheckAndRecord(ctx context.Context, identifier string) error {
	now := r.now().UnixMilli()
	zset := key("ratelimit", identifier)
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{zset},
		now, r.config.Window.Milliseconds(), r.config.Max, member,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("redis rate limit script returned %d values", len(res))
	}

	if res[0] == 1 {
		return nil
	}

	wait := time.Duration(res[1]) * time.Millisecond
	r.logger.Debug("rate limit exceeded",
		zap.String("identifier", identifier),
		zap.Int("limit", r.config.Max),
		zap.Duration("wait", wait),
	)
	return &ratelimit.Error{Identifier: identifier, Wait: wait}
}
