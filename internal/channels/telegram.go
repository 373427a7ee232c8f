package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram Bot API adapter.
type TelegramConfig struct {
	BotToken string
	Timeout  time.Duration
	BaseURL  string // overridable for tests
}

// TelegramAdapter delivers messages through the Telegram Bot API. The
// recipient is a chat id. Sends default to HTML parse mode; a subject,
// when present, becomes a bold first line.
type TelegramAdapter struct {
	botToken    string
	maskedToken string
	baseURL     string
	httpClient  *http.Client
}

func NewTelegramAdapter(cfg TelegramConfig) *TelegramAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	return &TelegramAdapter{
		botToken:    cfg.BotToken,
		maskedToken: maskToken(cfg.BotToken),
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (a *TelegramAdapter) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (a *TelegramAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if a.botToken == "" {
		return nil, Misconfiguredf("telegram bot token not configured")
	}
	if recipient == "" {
		return nil, Permanentf("telegram chat id is empty")
	}

	text := content
	if subject != "" {
		text = "<b>" + subject + "</b>\n" + content
	}

	payload := map[string]interface{}{
		"chat_id":    recipient,
		"text":       text,
		"parse_mode": "HTML",
	}
	if mode, ok := metadata["parse_mode"].(string); ok && mode != "" {
		payload["parse_mode"] = mode
	}
	if v, ok := metadata["disable_notification"].(bool); ok {
		payload["disable_notification"] = v
	}
	if v, ok := metadata["disable_web_page_preview"].(bool); ok {
		payload["disable_web_page_preview"] = v
	}

	result, err := a.call(ctx, "sendMessage", payload)
	if err != nil {
		return nil, err
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result.Result, &sent); err != nil {
		return nil, Transientf("telegram returned unparseable result").WithCause(err)
	}

	return &SendResult{
		MessageID:        strconv.FormatInt(sent.MessageID, 10),
		ProviderResponse: string(result.Result),
	}, nil
}

// Verify calls getMe to confirm the bot token is valid.
func (a *TelegramAdapter) Verify(ctx context.Context) error {
	if a.botToken == "" {
		return Misconfiguredf("telegram bot token not configured")
	}
	_, err := a.call(ctx, "getMe", map[string]interface{}{})
	if err != nil {
		if ClassOf(err) == ClassPermanent {
			// getMe failing with a 4xx means the token is bad.
			return Misconfiguredf("telegram token rejected: %v", err)
		}
		return err
	}
	return nil
}

func (a *TelegramAdapter) Status() map[string]interface{} {
	return map[string]interface{}{
		"configured": a.botToken != "",
		"bot_token":  a.maskedToken,
		"base_url":   a.baseURL,
	}
}

// call posts a Bot API method and decodes the envelope.
func (a *TelegramAdapter) call(ctx context.Context, method string, payload map[string]interface{}) (*telegramResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Permanentf("marshal telegram payload: %v", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanentf("build telegram request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	var tgResp telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tgResp); err != nil {
		return nil, Transientf("decode telegram response: %v", err).WithStatus(resp.StatusCode)
	}
	if !tgResp.OK {
		return nil, mapTelegramError(tgResp.ErrorCode, tgResp.Description)
	}
	return &tgResp, nil
}

// mapTelegramError classifies a Bot API error response. Rate limits
// and server faults are retryable; everything else (bad chat id, bot
// blocked by user, message too long) is a final rejection.
func mapTelegramError(code int, description string) *Error {
	desc := strings.ToLower(description)

	switch {
	case code == http.StatusTooManyRequests || strings.Contains(desc, "retry after"):
		return Transientf("telegram rate limited: %s", description).WithStatus(code)
	case code >= 500:
		return Transientf("telegram server error: %s", description).WithStatus(code)
	case code == http.StatusUnauthorized:
		return Misconfiguredf("telegram token rejected: %s", description).WithStatus(code)
	default:
		return Permanentf("telegram rejected message: %s", description).WithStatus(code)
	}
}
