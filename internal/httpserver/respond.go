package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/notifyq/notifyq/internal/channels"
	apperrors "github.com/notifyq/notifyq/internal/errors"
	"github.com/notifyq/notifyq/internal/telemetry"
)

// respondError writes the shared error envelope {error, message?,
// details?}. The status comes from the error type; unknown errors are
// coerced to internal and reported as 500 without leaking the cause.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.FromError(err)
	if appErr.CorrelationID == "" {
		appErr.CorrelationID = telemetry.GetCorrelationID(c.Request.Context())
	}

	body := gin.H{"error": appErr.Code, "message": appErr.Message}
	if appErr.Details != "" && appErr.Type != apperrors.ErrorTypeInternal {
		body["details"] = appErr.Details
	}

	_ = c.Error(appErr)
	c.JSON(appErr.HTTPStatus, body)
}

// respondChannelError maps a classified delivery failure from a direct
// send: misconfigured adapters are a 503, provider rejections a 400,
// anything transient a 502.
func respondChannelError(c *gin.Context, channel string, err error) {
	var status int
	switch channels.ClassOf(err) {
	case channels.ClassMisconfigured:
		status = http.StatusServiceUnavailable
	case channels.ClassPermanent:
		status = http.StatusBadRequest
	default:
		status = http.StatusBadGateway
	}

	_ = c.Error(err)
	c.JSON(status, gin.H{
		"error":   "DELIVERY_FAILED",
		"message": err.Error(),
		"channel": channel,
	})
}
