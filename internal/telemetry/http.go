package telemetry

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPLogger logs one line on request start and one on finish, mirroring what
// the gateway exposes to operators for every call.
func HTTPLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		slog.InfoContext(c.Request.Context(), "http: started call",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)

		c.Next()

		slog.InfoContext(c.Request.Context(), "http: finished call",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
