package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key pattern: ratelimit:{subject}:{action}, TTL = window.

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

// fixedWindow increments the counter when under the limit and returns
// {allowed, remaining, ttl}.
var fixedWindow = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if current == 0 then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	end
	return {0, 0, ttl}
`)

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client *goredis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(client *goredis.Client, limit int, window time.Duration) *RateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Allow checks and consumes one unit of key's quota.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	key = "ratelimit:" + key
	result, err := fixedWindow.Run(ctx, r.client, []string{key}, r.limit, int(r.window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(ttl) * time.Second,
		Limit:     r.limit,
	}, nil
}

// Reset clears key's counter.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, "ratelimit:"+key).Err()
}
