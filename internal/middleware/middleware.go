// Package middleware holds the gin middleware shared by the API
// process: correlation ids, request logging, panic recovery and CORS.
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/notifyq/notifyq/internal/telemetry"
)

// CorrelationHeader carries the request correlation id. Incoming values
// are reused so callers can trace a request across services; responses
// always echo it.
const CorrelationHeader = "X-Correlation-ID"

// RequestLogging assigns each request a correlation id, injects it into
// the request context and logs the completed request. Paths in
// skipPaths (health probes, scrapes) are passed through silently.
func RequestLogging(logger *telemetry.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		correlationID := c.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		c.Header(CorrelationHeader, correlationID)

		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"query":       c.Request.URL.RawQuery,
			"status":      c.Writer.Status(),
			"duration_ms": float64(duration.Nanoseconds()) / 1e6,
			"size":        c.Writer.Size(),
			"remote_ip":   c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.Errors()
		}

		entry := logger.WithContext(ctx).WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("HTTP request completed with server error")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("HTTP request completed with client error")
		case duration > 5*time.Second:
			entry.Warn("HTTP request completed (slow)")
		default:
			entry.Info("HTTP request completed")
		}
	}
}

// Recovery converts panics into a 500 response. The stack is logged and
// the panic value is forwarded to Sentry; the client only sees the
// generic envelope.
func Recovery(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in handler: %v", r)

				logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
					"method":      c.Request.Method,
					"path":        c.Request.URL.Path,
					"panic_value": fmt.Sprintf("%v", r),
					"stack_trace": telemetry.Stack(3),
				}).Error("Panic recovered in HTTP handler")

				telemetry.CaptureError(err, map[string]string{
					"component": "httpserver",
					"path":      c.Request.URL.Path,
				}, nil)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "INTERNAL_ERROR",
					"message": "An unexpected error occurred",
				})
			}
		}()

		c.Next()
	}
}

// CORS restricts browser access to the configured frontend origin.
func CORS(frontendURL string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins:     []string{frontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", CorrelationHeader},
		ExposeHeaders:    []string{CorrelationHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(cfg)
}
