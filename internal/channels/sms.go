package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SMSConfig configures the Twilio adapter.
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

// SMSAdapter delivers text messages through Twilio. Recipients are
// normalized to E.164 before the API call; bare 10-digit numbers are
// assumed to be US/Canada.
type SMSAdapter struct {
	config SMSConfig
	client *twilio.RestClient
}

func NewSMSAdapter(cfg SMSConfig) *SMSAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	a := &SMSAdapter{config: cfg}
	if a.configured() {
		base := &twilioclient.Client{
			Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		}
		base.SetTimeout(cfg.Timeout)
		a.client = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
			Client:   base,
		})
	}
	return a
}

func (a *SMSAdapter) Name() string { return "sms" }

func (a *SMSAdapter) configured() bool {
	return a.config.AccountSID != "" && a.config.AuthToken != "" && a.config.From != ""
}

func (a *SMSAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if !a.configured() {
		return nil, Misconfiguredf("twilio credentials or sender number not configured")
	}
	if recipient == "" {
		return nil, Permanentf("sms recipient is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, Transientf("send canceled").WithCause(err)
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(NormalizePhone(recipient))
	params.SetFrom(a.config.From)
	params.SetBody(content)

	if urls := stringList(metadata["media_url"]); len(urls) > 0 {
		params.SetMediaUrl(urls)
	}
	if cb, ok := metadata["status_callback"].(string); ok && cb != "" {
		params.SetStatusCallback(cb)
	}
	if mp, ok := metadata["max_price"].(float64); ok && mp > 0 {
		params.SetMaxPrice(float32(mp))
	}
	if pf, ok := metadata["provide_feedback"].(bool); ok {
		params.SetProvideFeedback(pf)
	}

	resp, err := a.client.Api.CreateMessage(params)
	if err != nil {
		return nil, classifyTwilioError(err)
	}

	result := &SendResult{}
	if resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	if resp.Status != nil {
		result.ProviderResponse = *resp.Status
	}
	return result, nil
}

// Verify fetches the account balance, which exercises auth without
// sending a message.
func (a *SMSAdapter) Verify(ctx context.Context) error {
	if !a.configured() {
		return Misconfiguredf("twilio credentials or sender number not configured")
	}
	if err := ctx.Err(); err != nil {
		return Transientf("verify canceled").WithCause(err)
	}
	if _, err := a.client.Api.FetchBalance(&twilioapi.FetchBalanceParams{}); err != nil {
		return classifyTwilioError(err)
	}
	return nil
}

func (a *SMSAdapter) Status() map[string]interface{} {
	return map[string]interface{}{
		"configured":  a.configured(),
		"account_sid": maskToken(a.config.AccountSID),
		"from":        a.config.From,
	}
}

// classifyTwilioError maps Twilio REST failures onto failure classes.
// 429 and 5xx are retryable, 401/403 mean bad credentials, any other
// 4xx (invalid number, unsubscribed recipient) is final.
func classifyTwilioError(err error) *Error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusTooManyRequests || restErr.Status >= 500:
			return Transientf("twilio busy: %s", restErr.Message).WithStatus(restErr.Status).WithCause(err)
		case restErr.Status == http.StatusUnauthorized || restErr.Status == http.StatusForbidden:
			return Misconfiguredf("twilio rejected credentials: %s", restErr.Message).WithStatus(restErr.Status).WithCause(err)
		default:
			return Permanentf("twilio rejected message: %s", restErr.Message).WithStatus(restErr.Status).WithCause(err)
		}
	}
	return networkError(err)
}

// NormalizePhone converts a free-form phone number to E.164. Bare
// 10-digit numbers get the +1 country code, anything else keeps its
// digits behind a plus sign. Inputs with no digits pass through for
// the provider to reject.
func NormalizePhone(raw string) string {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")

	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return trimmed
	}
	if hasPlus {
		return "+" + digits.String()
	}
	if digits.Len() == 10 {
		return "+1" + digits.String()
	}
	return "+" + digits.String()
}
