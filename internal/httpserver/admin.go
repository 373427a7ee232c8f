package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/notifyq/notifyq/internal/errors"
	"github.com/notifyq/notifyq/internal/queue"
)

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.broker.Stats(c.Request.Context())
	if err != nil {
		respondError(c, apperrors.NewBrokerError("stats", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queues": stats,
		"totals": queue.Aggregate(stats),
	})
}

// queueHealth reports broker connectivity, the worker-pool flag and a
// queue snapshot. healthy tracks broker reachability alone: a paused
// or workerless system is still healthy, just not consuming.
func (s *Server) queueHealth(c *gin.Context) {
	ctx := c.Request.Context()

	brokerErr := s.broker.Health(ctx)
	healthy := brokerErr == nil

	body := gin.H{"healthy": healthy}
	if brokerErr != nil {
		body["broker"] = "unreachable"
		body["error"] = brokerErr.Error()
	} else {
		body["broker"] = "ready"
	}

	workers, err := s.broker.WorkersRunning()
	body["workersRunning"] = workers && err == nil

	if stats, err := s.broker.Stats(ctx); err == nil {
		body["queues"] = stats
		body["totals"] = queue.Aggregate(stats)
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

type queueTarget struct {
	Queue string `json:"queue"`
}

// targetQueues resolves the optional {queue} body to a queue list,
// defaulting to every queue.
func targetQueues(c *gin.Context) ([]string, error) {
	var req queueTarget
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error())
		}
	}
	if req.Queue == "" {
		return queue.QueueNames(), nil
	}
	for _, name := range queue.QueueNames() {
		if name == req.Queue {
			return []string{req.Queue}, nil
		}
	}
	return nil, apperrors.NewValidationError("queue", "unknown queue "+req.Queue)
}

func (s *Server) pauseQueues(c *gin.Context) {
	names, err := targetQueues(c)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, q := range names {
		if err := s.broker.Pause(q); err != nil {
			respondError(c, apperrors.NewBrokerError("pause "+q, err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "paused": names})
}

func (s *Server) resumeQueues(c *gin.Context) {
	names, err := targetQueues(c)
	if err != nil {
		respondError(c, err)
		return
	}
	for _, q := range names {
		if err := s.broker.Resume(q); err != nil {
			respondError(c, apperrors.NewBrokerError("resume "+q, err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "resumed": names})
}

// clearFailed drops archived broker tasks. Notification rows keep
// their failed status; this only empties the broker's archive.
func (s *Server) clearFailed(c *gin.Context) {
	names, err := targetQueues(c)
	if err != nil {
		respondError(c, err)
		return
	}
	cleared := 0
	for _, q := range names {
		n, err := s.broker.ClearArchived(q)
		if err != nil {
			respondError(c, apperrors.NewBrokerError("clear archived "+q, err))
			return
		}
		cleared += n
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": cleared})
}

func (s *Server) retryFailed(c *gin.Context) {
	names, err := targetQueues(c)
	if err != nil {
		respondError(c, err)
		return
	}
	retried := 0
	for _, q := range names {
		n, err := s.broker.RetryArchived(q)
		if err != nil {
			respondError(c, apperrors.NewBrokerError("retry archived "+q, err))
			return
		}
		retried += n
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "retried": retried})
}
