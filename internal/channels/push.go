package channels

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmMulticastLimit is the FCM cap on tokens per multicast call.
const fcmMulticastLimit = 500

// PushConfig configures the Firebase Cloud Messaging adapter.
type PushConfig struct {
	ProjectID         string
	ServiceAccountKey string // service account JSON, not a file path
}

// PushAdapter delivers push notifications through FCM. The recipient
// is a device registration token. Beyond single sends it supports
// multicast, topic publishing and topic subscription management.
type PushAdapter struct {
	config  PushConfig
	client  *messaging.Client
	initErr error
}

// NewPushAdapter builds the adapter. Initialization failures are
// recorded rather than returned so the channel stays registered and
// reports itself as misconfigured.
func NewPushAdapter(ctx context.Context, cfg PushConfig) *PushAdapter {
	a := &PushAdapter{config: cfg}
	if cfg.ServiceAccountKey == "" {
		return a
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID},
		option.WithCredentialsJSON([]byte(cfg.ServiceAccountKey)))
	if err != nil {
		a.initErr = err
		return a
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		a.initErr = err
		return a
	}
	a.client = client
	return a
}

func (a *PushAdapter) Name() string { return "push" }

func (a *PushAdapter) ready() *Error {
	if a.client == nil {
		if a.initErr != nil {
			return Misconfiguredf("firebase init failed: %v", a.initErr)
		}
		return Misconfiguredf("firebase service account not configured")
	}
	return nil
}

func (a *PushAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if recipient == "" {
		return nil, Permanentf("push token is empty")
	}

	msg := buildPushMessage(subject, content, metadata)
	msg.Token = recipient

	id, err := a.client.Send(ctx, msg)
	if err != nil {
		return nil, classifyPushError(err)
	}
	return &SendResult{MessageID: id, ProviderResponse: id}, nil
}

// MulticastResult summarizes a multi-token send.
type MulticastResult struct {
	SuccessCount int                `json:"success_count"`
	FailureCount int                `json:"failure_count"`
	Failed       []MulticastFailure `json:"failed,omitempty"`
}

// MulticastFailure identifies a token that FCM rejected.
type MulticastFailure struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// SendMulticast delivers the same notification to up to 500 tokens.
func (a *PushAdapter) SendMulticast(ctx context.Context, tokens []string, subject, content string, metadata map[string]interface{}) (*MulticastResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, Permanentf("no push tokens provided")
	}
	if len(tokens) > fcmMulticastLimit {
		return nil, Permanentf("multicast limited to %d tokens, got %d", fcmMulticastLimit, len(tokens))
	}

	single := buildPushMessage(subject, content, metadata)
	msg := &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: single.Notification,
		Data:         single.Data,
		Android:      single.Android,
		APNS:         single.APNS,
		Webpush:      single.Webpush,
	}

	batch, err := a.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return nil, classifyPushError(err)
	}

	out := &MulticastResult{
		SuccessCount: batch.SuccessCount,
		FailureCount: batch.FailureCount,
	}
	for i, resp := range batch.Responses {
		if resp.Error != nil {
			out.Failed = append(out.Failed, MulticastFailure{
				Token: tokens[i],
				Error: resp.Error.Error(),
			})
		}
	}
	return out, nil
}

// SendToTopic publishes a notification to every device subscribed to
// the topic.
func (a *PushAdapter) SendToTopic(ctx context.Context, topic, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, Permanentf("push topic is empty")
	}

	msg := buildPushMessage(subject, content, metadata)
	msg.Topic = topic

	id, err := a.client.Send(ctx, msg)
	if err != nil {
		return nil, classifyPushError(err)
	}
	return &SendResult{MessageID: id, ProviderResponse: id}, nil
}

// TopicResult summarizes a subscription management call.
type TopicResult struct {
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	Errors       []TopicError `json:"errors,omitempty"`
}

// TopicError identifies a token index that failed subscription.
type TopicError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (a *PushAdapter) SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*TopicResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	resp, err := a.client.SubscribeToTopic(ctx, tokens, topic)
	if err != nil {
		return nil, classifyPushError(err)
	}
	return topicResult(resp), nil
}

func (a *PushAdapter) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*TopicResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	resp, err := a.client.UnsubscribeFromTopic(ctx, tokens, topic)
	if err != nil {
		return nil, classifyPushError(err)
	}
	return topicResult(resp), nil
}

func topicResult(resp *messaging.TopicManagementResponse) *TopicResult {
	out := &TopicResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
	}
	for _, e := range resp.Errors {
		out.Errors = append(out.Errors, TopicError{Index: e.Index, Reason: e.Reason})
	}
	return out
}

// Verify performs a dry-run topic send, which validates credentials
// without delivering anything.
func (a *PushAdapter) Verify(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	msg := &messaging.Message{
		Topic:        "notifyq-verify",
		Notification: &messaging.Notification{Title: "verify", Body: "verify"},
	}
	if _, err := a.client.SendDryRun(ctx, msg); err != nil {
		return classifyPushError(err)
	}
	return nil
}

func (a *PushAdapter) Status() map[string]interface{} {
	status := map[string]interface{}{
		"configured": a.client != nil,
		"project_id": a.config.ProjectID,
	}
	if a.initErr != nil {
		status["init_error"] = a.initErr.Error()
	}
	return status
}

// buildPushMessage assembles the FCM message body. Supported metadata
// keys: data (string map), image, android {priority, collapse_key,
// ttl seconds}, apns {badge, sound, category}, webpush {icon}.
func buildPushMessage(subject, content string, metadata map[string]interface{}) *messaging.Message {
	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: subject,
			Body:  content,
		},
	}

	if image, ok := metadata["image"].(string); ok && image != "" {
		msg.Notification.ImageURL = image
	}

	if raw, ok := metadata["data"].(map[string]interface{}); ok && len(raw) > 0 {
		data := make(map[string]string, len(raw))
		for k, v := range raw {
			data[k] = fmt.Sprint(v)
		}
		msg.Data = data
	}

	if android, ok := metadata["android"].(map[string]interface{}); ok {
		cfg := &messaging.AndroidConfig{}
		if prio, ok := android["priority"].(string); ok {
			cfg.Priority = prio
		}
		if key, ok := android["collapse_key"].(string); ok {
			cfg.CollapseKey = key
		}
		if ttl, ok := android["ttl"].(float64); ok && ttl > 0 {
			d := time.Duration(ttl) * time.Second
			cfg.TTL = &d
		}
		msg.Android = cfg
	}

	if apns, ok := metadata["apns"].(map[string]interface{}); ok {
		aps := &messaging.Aps{}
		if badge, ok := apns["badge"].(float64); ok {
			b := int(badge)
			aps.Badge = &b
		}
		if sound, ok := apns["sound"].(string); ok {
			aps.Sound = sound
		}
		if category, ok := apns["category"].(string); ok {
			aps.Category = category
		}
		msg.APNS = &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{Aps: aps},
		}
	}

	if webpush, ok := metadata["webpush"].(map[string]interface{}); ok {
		if icon, ok := webpush["icon"].(string); ok && icon != "" {
			msg.Webpush = &messaging.WebpushConfig{
				Notification: &messaging.WebpushNotification{Icon: icon},
			}
		}
	}

	return msg
}

// classifyPushError maps FCM failures onto failure classes. Stale
// tokens and malformed payloads are final, quota and availability
// problems retry, credential problems surface as misconfiguration.
func classifyPushError(err error) *Error {
	switch {
	case messaging.IsUnregistered(err):
		return Permanentf("push token unregistered: %v", err).WithCause(err)
	case messaging.IsSenderIDMismatch(err):
		return Permanentf("push token belongs to another sender: %v", err).WithCause(err)
	case messaging.IsThirdPartyAuthError(err):
		return Misconfiguredf("fcm third-party auth failed: %v", err).WithCause(err)
	case messaging.IsQuotaExceeded(err):
		return Transientf("fcm quota exceeded: %v", err).WithCause(err)
	case errorutils.IsUnauthenticated(err) || errorutils.IsPermissionDenied(err):
		return Misconfiguredf("fcm rejected credentials: %v", err).WithCause(err)
	case errorutils.IsInvalidArgument(err) || errorutils.IsNotFound(err):
		return Permanentf("fcm rejected message: %v", err).WithCause(err)
	case errorutils.IsUnavailable(err) || errorutils.IsInternal(err) || errorutils.IsResourceExhausted(err):
		return Transientf("fcm unavailable: %v", err).WithCause(err)
	default:
		return Transientf("fcm send failed: %v", err).WithCause(err)
	}
}
