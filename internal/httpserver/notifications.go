package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notifyq/notifyq/internal/dispatch"
	apperrors "github.com/notifyq/notifyq/internal/errors"
	"github.com/notifyq/notifyq/internal/notification"
)

// channelState is one channel's delivery state in a status projection.
type channelState struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// notificationView is the external projection of a notification row.
type notificationView struct {
	ID          int64          `json:"id"`
	UserID      *int64         `json:"userId,omitempty"`
	Status      string         `json:"status"`
	Channels    []channelState `json:"channels"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
	RetryCount  int            `json:"retryCount"`
}

func viewOf(n *notification.Notification) notificationView {
	v := notificationView{
		ID:         n.ID,
		UserID:     n.UserID,
		Status:     string(n.Status),
		Channels:   []channelState{{Type: string(n.Channel), Status: string(n.Status)}},
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
		RetryCount: n.RetryCount,
	}
	// scheduled_at defaults to the creation instant; only a deliberate
	// deferral is worth surfacing.
	if n.ScheduledAt.After(n.CreatedAt) {
		v.ScheduledAt = &n.ScheduledAt
	}
	return v
}

func (s *Server) sendNotification(c *gin.Context) {
	var req dispatch.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}

	receipt, err := s.notifier.Send(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"success":        true,
		"notificationId": receipt.NotificationID,
		"message":        "Notification queued for delivery",
	}
	if len(receipt.IDs) > 1 {
		body["notificationIds"] = receipt.IDs
	}
	c.JSON(http.StatusCreated, body)
}

type bulkRequest struct {
	Notifications []dispatch.SendRequest `json:"notifications"`
}

func (s *Server) sendBulk(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if len(req.Notifications) == 0 {
		respondError(c, apperrors.NewValidationError("notifications", "notifications must not be empty"))
		return
	}

	results, err := s.notifier.SendBulk(c.Request.Context(), req.Notifications)
	if err != nil {
		respondError(c, err)
		return
	}

	queued := 0
	for _, r := range results {
		if r.Success {
			queued++
		}
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"queued":  queued,
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) notificationStatus(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}

	n, err := s.notifier.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(n))
}

func (s *Server) userNotifications(c *gin.Context) {
	userID, err := pathID(c, "userId")
	if err != nil {
		respondError(c, err)
		return
	}
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)

	rows, total, err := s.notifier.ListForUser(c.Request.Context(), userID, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	views := make([]notificationView, 0, len(rows))
	for _, n := range rows {
		views = append(views, viewOf(n))
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": views,
		"page":          page,
		"limit":         limit,
		"total":         total,
	})
}

type retryRequest struct {
	ResetRetryCount bool `json:"resetRetryCount"`
}

func (s *Server) retryNotification(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		respondError(c, err)
		return
	}

	var req retryRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
			return
		}
	}

	if err := s.notifier.Retry(c.Request.Context(), id, req.ResetRetryCount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification queued for retry"})
}

// pathID parses a positive int64 path parameter.
func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id < 1 {
		return 0, apperrors.NewValidationError(name, name+" must be a positive integer")
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
