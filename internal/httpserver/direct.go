package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/notifyq/notifyq/internal/channels"
	apperrors "github.com/notifyq/notifyq/internal/errors"
)

// Direct sends call the adapter synchronously: no row is created, no
// retry is scheduled, the provider outcome maps straight onto the
// response status.

func (s *Server) adapterFor(c *gin.Context, name string) (channels.Adapter, bool) {
	a, ok := s.adapters.Get(name)
	if !ok {
		respondChannelError(c, name, channels.Misconfiguredf("%s channel is not configured", name))
		return nil, false
	}
	return a, true
}

func (s *Server) pushSender(c *gin.Context) (PushSender, bool) {
	if s.push == nil {
		respondChannelError(c, "push", channels.Misconfiguredf("push channel is not configured"))
		return nil, false
	}
	return s.push, true
}

func (s *Server) directSend(c *gin.Context, name, recipient, subject, content string, metadata map[string]interface{}) {
	a, ok := s.adapterFor(c, name)
	if !ok {
		return
	}

	result, err := a.Send(c.Request.Context(), recipient, subject, content, metadata)
	if err != nil {
		respondChannelError(c, name, err)
		return
	}

	body := gin.H{"success": true, "messageId": result.MessageID}
	if result.ProviderResponse != "" {
		body["providerResponse"] = result.ProviderResponse
	}
	c.JSON(http.StatusOK, body)
}

type emailSendRequest struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Message  string                 `json:"message"`
	HTML     string                 `json:"html"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) sendEmail(c *gin.Context) {
	var req emailSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if req.To == "" {
		respondError(c, apperrors.NewValidationError("to", "to is required"))
		return
	}
	if req.Message == "" && req.HTML == "" {
		respondError(c, apperrors.NewValidationError("message", "message or html is required"))
		return
	}

	// The adapter treats content as the HTML body and metadata["text"]
	// as the plain-text alternative.
	content := req.HTML
	if content == "" {
		content = req.Message
	} else if req.Message != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]interface{}{}
		}
		req.Metadata["text"] = req.Message
	}

	s.directSend(c, "email", req.To, req.Subject, content, req.Metadata)
}

type smsSendRequest struct {
	To       string                 `json:"to"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) sendSMS(c *gin.Context) {
	var req smsSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if req.To == "" {
		respondError(c, apperrors.NewValidationError("to", "to is required"))
		return
	}
	if req.Message == "" {
		respondError(c, apperrors.NewValidationError("message", "message is required"))
		return
	}

	s.directSend(c, "sms", req.To, "", req.Message, req.Metadata)
}

type pushSendRequest struct {
	Token    string                 `json:"token"`
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) sendPush(c *gin.Context) {
	var req pushSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if req.Token == "" {
		respondError(c, apperrors.NewValidationError("token", "token is required"))
		return
	}
	if req.Body == "" {
		respondError(c, apperrors.NewValidationError("body", "body is required"))
		return
	}

	s.directSend(c, "push", req.Token, req.Title, req.Body, req.Metadata)
}

type pushMulticastRequest struct {
	Tokens   []string               `json:"tokens"`
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) sendPushMulticast(c *gin.Context) {
	var req pushMulticastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if len(req.Tokens) == 0 {
		respondError(c, apperrors.NewValidationError("tokens", "tokens must not be empty"))
		return
	}
	if req.Body == "" {
		respondError(c, apperrors.NewValidationError("body", "body is required"))
		return
	}

	push, ok := s.pushSender(c)
	if !ok {
		return
	}
	result, err := push.SendMulticast(c.Request.Context(), req.Tokens, req.Title, req.Body, req.Metadata)
	if err != nil {
		respondChannelError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      result.FailureCount == 0,
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
		"failed":       result.Failed,
	})
}

type pushTopicRequest struct {
	Topic    string                 `json:"topic"`
	Title    string                 `json:"title"`
	Body     string                 `json:"body"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Server) sendPushTopic(c *gin.Context) {
	var req pushTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if req.Topic == "" {
		respondError(c, apperrors.NewValidationError("topic", "topic is required"))
		return
	}
	if req.Body == "" {
		respondError(c, apperrors.NewValidationError("body", "body is required"))
		return
	}

	push, ok := s.pushSender(c)
	if !ok {
		return
	}
	result, err := push.SendToTopic(c.Request.Context(), req.Topic, req.Title, req.Body, req.Metadata)
	if err != nil {
		respondChannelError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": result.MessageID})
}

type topicSubscriptionRequest struct {
	Tokens []string `json:"tokens"`
	Topic  string   `json:"topic"`
}

func (s *Server) subscribeTopic(c *gin.Context) {
	s.manageTopic(c, PushSender.SubscribeToTopic)
}

func (s *Server) unsubscribeTopic(c *gin.Context) {
	s.manageTopic(c, PushSender.UnsubscribeFromTopic)
}

func (s *Server) manageTopic(c *gin.Context, op func(PushSender, context.Context, []string, string) (*channels.TopicResult, error)) {
	var req topicSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if len(req.Tokens) == 0 {
		respondError(c, apperrors.NewValidationError("tokens", "tokens must not be empty"))
		return
	}
	if req.Topic == "" {
		respondError(c, apperrors.NewValidationError("topic", "topic is required"))
		return
	}

	push, ok := s.pushSender(c)
	if !ok {
		return
	}
	result, err := op(push, c.Request.Context(), req.Tokens, req.Topic)
	if err != nil {
		respondChannelError(c, "push", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      result.FailureCount == 0,
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
		"errors":       result.Errors,
	})
}

type slackSendRequest struct {
	WebhookURL string                 `json:"webhookUrl"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (s *Server) sendSlack(c *gin.Context) {
	var req slackSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}
	if req.WebhookURL == "" {
		respondError(c, apperrors.NewValidationError("webhookUrl", "webhookUrl is required"))
		return
	}
	if req.Message == "" {
		respondError(c, apperrors.NewValidationError("message", "message is required"))
		return
	}

	s.directSend(c, "slack", req.WebhookURL, "", req.Message, req.Metadata)
}

type telegramSendRequest struct {
	// ChatID accepts both the numeric id and the @channel form.
	ChatID  interface{} `json:"chatId"`
	Message string      `json:"message"`
}

func (s *Server) sendTelegram(c *gin.Context) {
	var req telegramSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("body", "invalid request body").WithDetails(err.Error()))
		return
	}

	chatID := ""
	switch v := req.ChatID.(type) {
	case string:
		chatID = v
	case float64:
		chatID = strconv.FormatInt(int64(v), 10)
	}
	if chatID == "" {
		respondError(c, apperrors.NewValidationError("chatId", "chatId is required"))
		return
	}
	if req.Message == "" {
		respondError(c, apperrors.NewValidationError("message", "message is required"))
		return
	}

	s.directSend(c, "telegram", chatID, "", req.Message, nil)
}

// verifyChannel runs the adapter's credential check. The outcome is
// the payload, so the response is 200 either way.
func (s *Server) verifyChannel(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.adapters.Get(name)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"channel": name, "ok": false, "error": "not configured"})
			return
		}
		if err := a.Verify(c.Request.Context()); err != nil {
			c.JSON(http.StatusOK, gin.H{"channel": name, "ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channel": name, "ok": true})
	}
}

func (s *Server) channelStatus(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.adapters.Get(name)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"channel": name, "configured": false})
			return
		}
		c.JSON(http.StatusOK, a.Status())
	}
}
