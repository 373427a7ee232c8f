package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	mail "gopkg.in/mail.v2"
)

// EmailConfig configures the SMTP adapter.
type EmailConfig struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS (465) instead of STARTTLS
	User     string
	Pass     string
	From     string
	PoolSize int
	Timeout  time.Duration
}

// EmailAdapter delivers mail over SMTP. Connections are pooled and
// reused across sends; a connection that fails mid-send is dropped
// rather than returned to the pool.
type EmailAdapter struct {
	config EmailConfig
	dialer *mail.Dialer
	pool   chan mail.SendCloser
}

func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.SSL = cfg.Secure
	d.Timeout = cfg.Timeout
	return &EmailAdapter{
		config: cfg,
		dialer: d,
		pool:   make(chan mail.SendCloser, cfg.PoolSize),
	}
}

func (a *EmailAdapter) Name() string { return "email" }

func (a *EmailAdapter) configured() bool {
	return a.config.Host != "" && a.config.From != ""
}

func (a *EmailAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	if !a.configured() {
		return nil, Misconfiguredf("smtp host or sender address not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, Transientf("send canceled").WithCause(err)
	}

	m, messageID, err := a.buildMessage(recipient, subject, content, metadata)
	if err != nil {
		return nil, err
	}

	sc, err := a.acquire()
	if err != nil {
		return nil, classifySMTPError(err)
	}
	if err := mail.Send(sc, m); err != nil {
		sc.Close()
		return nil, classifySMTPError(err)
	}
	a.release(sc)

	return &SendResult{
		MessageID:        messageID,
		ProviderResponse: fmt.Sprintf("accepted by %s", a.config.Host),
	}, nil
}

// buildMessage assembles the MIME message. Supported metadata keys:
// text (plain-text alternative), cc, bcc, reply_to, priority
// (urgent|high|low), attachments ([{filename, content, content_type}]
// with base64 content).
func (a *EmailAdapter) buildMessage(recipient, subject, content string, metadata map[string]interface{}) (*mail.Message, string, error) {
	m := mail.NewMessage()
	m.SetHeader("From", a.config.From)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", subject)

	messageID := fmt.Sprintf("<%s@notifyq>", uuid.New().String())
	m.SetHeader("Message-ID", messageID)

	if cc := stringList(metadata["cc"]); len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}
	if bcc := stringList(metadata["bcc"]); len(bcc) > 0 {
		m.SetHeader("Bcc", bcc...)
	}
	if replyTo, ok := metadata["reply_to"].(string); ok && replyTo != "" {
		m.SetHeader("Reply-To", replyTo)
	}
	if xp := priorityHeader(metadata["priority"]); xp != "" {
		m.SetHeader("X-Priority", xp)
	}

	if text, ok := metadata["text"].(string); ok && text != "" {
		m.SetBody("text/plain", text)
		m.AddAlternative("text/html", content)
	} else {
		m.SetBody("text/html", content)
	}

	if raw, ok := metadata["attachments"].([]interface{}); ok {
		for i, item := range raw {
			att, ok := item.(map[string]interface{})
			if !ok {
				return nil, "", Permanentf("attachment %d is not an object", i)
			}
			name, _ := att["filename"].(string)
			encoded, _ := att["content"].(string)
			if name == "" || encoded == "" {
				return nil, "", Permanentf("attachment %d missing filename or content", i)
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, "", Permanentf("attachment %q is not valid base64", name).WithCause(err)
			}
			settings := []mail.FileSetting{}
			if ct, _ := att["content_type"].(string); ct != "" {
				settings = append(settings, mail.SetHeader(map[string][]string{
					"Content-Type": {ct},
				}))
			}
			m.AttachReader(name, bytes.NewReader(data), settings...)
		}
	}

	return m, messageID, nil
}

// acquire reuses a pooled connection or dials a fresh one.
func (a *EmailAdapter) acquire() (mail.SendCloser, error) {
	select {
	case sc := <-a.pool:
		return sc, nil
	default:
		return a.dialer.Dial()
	}
}

// release returns a healthy connection to the pool, closing it when
// the pool is already full.
func (a *EmailAdapter) release(sc mail.SendCloser) {
	select {
	case a.pool <- sc:
	default:
		sc.Close()
	}
}

// Verify dials the SMTP server and authenticates without sending.
func (a *EmailAdapter) Verify(ctx context.Context) error {
	if !a.configured() {
		return Misconfiguredf("smtp host or sender address not configured")
	}
	if err := ctx.Err(); err != nil {
		return Transientf("verify canceled").WithCause(err)
	}
	sc, err := a.dialer.Dial()
	if err != nil {
		return classifySMTPError(err)
	}
	a.release(sc)
	return nil
}

func (a *EmailAdapter) Status() map[string]interface{} {
	return map[string]interface{}{
		"configured":         a.configured(),
		"host":               a.config.Host,
		"port":               a.config.Port,
		"secure":             a.config.Secure,
		"from":               a.config.From,
		"pooled_connections": len(a.pool),
	}
}

// classifySMTPError maps SMTP reply codes onto failure classes. The
// 53x auth family means bad credentials, other 5xx replies are final
// rejections, 4xx replies and transport faults are retryable.
func classifySMTPError(err error) *Error {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == 530 || proto.Code == 534 || proto.Code == 535 || proto.Code == 538:
			return Misconfiguredf("smtp authentication failed: %s", proto.Msg).WithStatus(proto.Code).WithCause(err)
		case proto.Code >= 500:
			return Permanentf("smtp rejected message: %s", proto.Msg).WithStatus(proto.Code).WithCause(err)
		case proto.Code >= 400:
			return Transientf("smtp temporary failure: %s", proto.Msg).WithStatus(proto.Code).WithCause(err)
		}
	}
	return networkError(err)
}

// priorityHeader maps a logical priority onto the X-Priority scale.
func priorityHeader(v interface{}) string {
	s, _ := v.(string)
	switch s {
	case "urgent":
		return "1 (Highest)"
	case "high":
		return "2 (High)"
	case "low":
		return "5 (Lowest)"
	default:
		return ""
	}
}

// stringList coerces a metadata value into a string slice. Accepts a
// single string or a JSON array of strings.
func stringList(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}
