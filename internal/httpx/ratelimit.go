package httpx

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/ratelimit"
)

// RateLimit throttles requests per client IP. A limiter failure lets the
// request through.
func RateLimit(l ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), "ip:"+c.ClientIP(), 1)
		if err != nil {
			log.Printf("[http] rate limiter unavailable: %v", err)
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "1")
			WriteError(c, apperr.ErrRateLimited)
			return
		}
		c.Next()
	}
}
