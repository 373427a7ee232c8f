package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notifyq/notifyq/internal/notification"
)

const (
	analyticsCacheKey = "analytics:rollup"
	analyticsCacheTTL = 30 * time.Second
)

// The rollup aggregates 24 hours of rows on every call, so it is the
// one read endpoint worth a short cache. Log reads stay uncached;
// staleness there defeats their purpose.
func (s *Server) analytics(c *gin.Context) {
	ctx := c.Request.Context()

	if s.cache != nil {
		var cached notification.Stats
		if err := s.cache.Get(ctx, analyticsCacheKey, &cached); err == nil {
			c.JSON(http.StatusOK, &cached)
			return
		}
	}

	stats, err := s.notifier.Analytics(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, analyticsCacheKey, stats, analyticsCacheTTL); err != nil {
			s.logger.WithError(err).Warn("Failed to cache analytics rollup")
		}
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) errorLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	logs, err := s.notifier.ErrorLogs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs, "count": len(logs)})
}

func (s *Server) recentLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	logs, err := s.notifier.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
