package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/aura-connect/backend/pkg/redisstore"
)

// RateLimit caps requests per client IP inside a fixed window, counted in the
// shared store so the limit holds across the fleet. Store failures let the
// request through.
func RateLimit(store *redisstore.Client, max int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max <= 0 {
			c.Next()
			return
		}
		key := "connect:ratelimit:" + c.ClientIP()

		// ExpireNX arms the TTL only when INCR creates the counter; a
		// refresh on every hit would keep a busy client's window open
		// forever.
		var count *redis.IntCmd
		err := store.Pipelined(c.Request.Context(), func(pipe redis.Pipeliner) error {
			count = pipe.Incr(c.Request.Context(), key)
			pipe.ExpireNX(c.Request.Context(), key, window)
			return nil
		})
		if err != nil {
			c.Next()
			return
		}
		if count.Val() > int64(max) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
