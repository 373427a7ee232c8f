package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig configures the Slack adapter. Delivery goes through
// incoming webhooks carried as the recipient; the bot token is only
// used by Verify.
type SlackConfig struct {
	BotToken string
	Timeout  time.Duration
}

// SlackAdapter posts messages to Slack incoming webhooks. The
// recipient is the webhook URL itself, so one adapter serves every
// workspace and channel.
type SlackAdapter struct {
	config     SlackConfig
	httpClient *http.Client
}

func NewSlackAdapter(cfg SlackConfig) *SlackAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackAdapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *SlackAdapter) Name() string { return "slack" }

func (a *SlackAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if !strings.HasPrefix(recipient, "https://") {
		return nil, Permanentf("slack recipient must be a webhook URL")
	}

	// Metadata keys (blocks, attachments, channel overrides) pass
	// through to the webhook payload; the text field always carries
	// the notification content.
	payload := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["text"] = content

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanentf("marshal slack payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return nil, Permanentf("build slack request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// Every non-2xx webhook reply is retried, including 4xx: a
	// rotated webhook URL answers 404 until the user updates it.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Transientf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))).
			WithStatus(resp.StatusCode)
	}

	return &SendResult{ProviderResponse: strings.TrimSpace(string(respBody))}, nil
}

// Verify checks the bot token with auth.test when one is configured.
// Webhook-only deployments have nothing to verify.
func (a *SlackAdapter) Verify(ctx context.Context) error {
	if a.config.BotToken == "" {
		return nil
	}
	api := slack.New(a.config.BotToken, slack.OptionHTTPClient(a.httpClient))
	if _, err := api.AuthTestContext(ctx); err != nil {
		var apiErr slack.SlackErrorResponse
		if errors.As(err, &apiErr) {
			return Misconfiguredf("slack token rejected: %s", apiErr.Error())
		}
		return networkError(err)
	}
	return nil
}

func (a *SlackAdapter) Status() map[string]interface{} {
	return map[string]interface{}{
		"configured": true, // webhook delivery needs no credentials
		"mode":       "webhook",
		"bot_token":  maskToken(a.config.BotToken),
	}
}
