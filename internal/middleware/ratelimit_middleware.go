package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"shelfmate/internal/redis"
	"shelfmate/internal/services"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Limiter consumes one unit of key's quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware limits an action per authenticated user. It must run
// after AuthMiddleware. Limiter errors let the request through.
func RateLimitMiddleware(limiter Limiter, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok || limiter == nil {
			c.Next()
			return
		}

		result, err := limiter.Allow(c.Request.Context(), userID+":"+action)
		if err != nil {
			_ = c.Error(err)
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			AbortWithError(c, fmt.Errorf("%s rate limit exceeded: %w", action, shelfmate_errors.ErrRateLimited))
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}

// MemoryRateLimiter is a fixed-window limiter for single-instance
// deployments without Redis.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count int
	reset time.Time
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &memoryWindow{reset: now.Add(l.window)}
		l.windows[key] = w
		l.sweep(now)
	}

	result := &redis.RateLimitResult{Limit: l.limit, ResetIn: w.reset.Sub(now)}
	if w.count < l.limit {
		w.count++
		result.Allowed = true
		result.Remaining = l.limit - w.count
	}
	return result, nil
}

// sweep drops expired windows so idle keys do not accumulate.
func (l *MemoryRateLimiter) sweep(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
}
