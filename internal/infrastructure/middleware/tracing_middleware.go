package middleware

import (
	"fmt"
	"time"

	"voxhub/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware adds a span per HTTP request, tagged with the room and
// user identity when the route carries them.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.remote_addr", c.ClientIP()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
		)
		if roomID := c.Param("id"); roomID != "" {
			span.SetAttributes(attribute.String("voxhub.room_id", roomID))
		}

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Auth middleware runs inside c.Next(); the identity is only known
		// afterwards.
		if userID, ok := c.Get("user_id"); ok {
			span.SetAttributes(attribute.String("voxhub.user_id", fmt.Sprint(userID)))
		}

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)

		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
