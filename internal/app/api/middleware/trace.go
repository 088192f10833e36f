package middleware

import (
	"context"

	"github.com/fatflowers/pointsledger/pkg/tool"

	"github.com/gin-gonic/gin"
)

// TraceMiddleware adds a trace ID to the request context.
// It reads X-Request-ID if provided by the caller (the payment gateway
// forwards its own delivery id there); otherwise generates a UUIDv7.
// The trace ID is stored in both gin.Context (key: "traceID") and the
// request's context.Context.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = tool.GenerateUUIDV7()
		}

		c.Set("traceID", traceID)
		ctx := context.WithValue(c.Request.Context(), "traceID", traceID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
