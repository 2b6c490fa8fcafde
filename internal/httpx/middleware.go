// Package httpx holds the gin middleware shared by the marketplace HTTP
// services and the mapping from domain errors to responses.
package httpx

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ridKey = "rid"

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ridKey, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// Logger writes one access line per request, after the handler ran so the
// authenticated principal (if any) is known.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		rid, _ := c.Get(ridKey)
		sub := "-"
		if p, ok := CurrentPrincipal(c); ok {
			sub = p.ID
		}
		log.Printf("[http] rid=%v sub=%s %s %s status=%d dur=%s",
			rid, sub, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
