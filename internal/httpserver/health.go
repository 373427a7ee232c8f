package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// componentHealth is one dependency's probe result.
type componentHealth struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// health pings the database and the broker with a bounded deadline and
// reports per-component latencies. Any unhealthy component turns the
// response into a 503.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	components := map[string]componentHealth{
		"database": probe(ctx, s.db.Health),
		"broker":   probe(ctx, s.broker.Health),
	}

	overall := healthStatusHealthy
	for _, ch := range components {
		switch ch.Status {
		case healthStatusUnhealthy:
			overall = healthStatusUnhealthy
		case healthStatusDegraded:
			if overall == healthStatusHealthy {
				overall = healthStatusDegraded
			}
		}
	}

	code := http.StatusOK
	if overall == healthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     overall,
		"service":    "notifyq",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"components": components,
	})
}

func probe(ctx context.Context, check func(context.Context) error) componentHealth {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return componentHealth{
			Status:    healthStatusUnhealthy,
			Message:   err.Error(),
			LatencyMS: latency,
		}
	}

	status := healthStatusHealthy
	if latency > 1000 {
		status = healthStatusDegraded
	}
	return componentHealth{Status: status, LatencyMS: latency}
}
