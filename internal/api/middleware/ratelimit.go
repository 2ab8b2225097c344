package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rephlax/clutchcrew/pkg/logger"
	"github.com/rephlax/clutchcrew/pkg/ratelimit"
)

// DefaultKeyFunc uses player ID if authenticated, otherwise IP address
func DefaultKeyFunc(c *gin.Context) string {
	if playerID, ok := PlayerID(c); ok {
		return fmt.Sprintf("player:%s", playerID)
	}
	return IPKeyFunc(c)
}

// IPKeyFunc uses only IP address (for public endpoints)
func IPKeyFunc(c *gin.Context) string {
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// PlayerKeyFunc uses only player ID (requires authentication)
func PlayerKeyFunc(c *gin.Context) string {
	if playerID, ok := PlayerID(c); ok {
		return fmt.Sprintf("player:%s", playerID)
	}
	return ""
}

// RateLimit 프로세스 내 토큰 버킷 Rate Limit 미들웨어
func RateLimit(limiter *ratelimit.RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}

	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required for rate limiting",
			})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiter.Capacity(), 10))

		allowed, retryAfter := limiter.Allow(key)
		if !allowed {
			tooManyRequests(c, retryAfter)
			return
		}
		c.Next()
	}
}

// RedisRateLimit Redis 기반 분산 Rate Limit 미들웨어. Redis 오류 시 요청을 허용한다 (fail-open).
func RedisRateLimit(limiter *ratelimit.RedisRateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = IPKeyFunc
	}

	return func(c *gin.Context) {
		key := keyFunc(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		allowed, info, err := limiter.Allow(ctx, key)
		cancel()
		if err != nil {
			logger.Warn("Redis rate limit error, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))

		if !allowed {
			tooManyRequests(c, time.Until(info.ResetTime))
			return
		}
		c.Next()
	}
}

func tooManyRequests(c *gin.Context, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "Rate limit exceeded",
		"retry_after": seconds,
	})
	c.Abort()
}
