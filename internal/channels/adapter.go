// Package channels implements the delivery adapters behind the
// dispatcher. Every adapter satisfies the same contract: a Send that
// returns a provider message id, a Verify that checks credentials and
// connectivity, and a Status snapshot for the health surface.
//
// Failures carry a mandatory class so the dispatcher can decide
// between retrying, failing permanently, and flagging configuration:
//
//	transient     - network faults, 5xx, 429; retried per policy
//	permanent     - provider rejected payload or recipient; never retried
//	misconfigured - missing or invalid credentials; never retried
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SendResult is returned by an adapter after a successful delivery.
type SendResult struct {
	MessageID        string `json:"message_id"`
	ProviderResponse string `json:"provider_response"`
}

// Adapter is the contract every delivery channel satisfies.
type Adapter interface {
	// Name returns the channel key ("email", "sms", ...).
	Name() string

	// Send delivers one message. metadata carries channel-specific
	// options (cc, media_url, android priority, ...); nil is fine.
	Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error)

	// Verify checks credentials and connectivity without delivering.
	Verify(ctx context.Context) error

	// Status reports configuration and runtime state for health checks.
	Status() map[string]interface{}
}

// Class categorizes a delivery failure for the retry decision.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassPermanent     Class = "permanent"
	ClassMisconfigured Class = "misconfigured"
)

// Error is a classified delivery failure.
type Error struct {
	Class      Class
	Message    string
	StatusCode int // provider HTTP/SMTP code when known, else 0
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transientf builds a retryable failure.
func Transientf(format string, args ...interface{}) *Error {
	return &Error{Class: ClassTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanentf builds a non-retryable provider rejection.
func Permanentf(format string, args ...interface{}) *Error {
	return &Error{Class: ClassPermanent, Message: fmt.Sprintf(format, args...)}
}

// Misconfiguredf builds a credential/configuration failure.
func Misconfiguredf(format string, args ...interface{}) *Error {
	return &Error{Class: ClassMisconfigured, Message: fmt.Sprintf(format, args...)}
}

// WithStatus attaches the provider status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// ClassOf extracts the class from a delivery error. Errors that carry
// no class are treated as transient so unknown faults stay retryable.
func ClassOf(err error) Class {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Class
	}
	return ClassTransient
}

// networkError classifies a transport-level failure. Timeouts,
// refused connections and DNS misses are all retryable.
func networkError(err error) *Error {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return Transientf("request timed out").WithCause(err)
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return Transientf("provider unreachable").WithCause(err)
	default:
		return Transientf("network error: %v", err).WithCause(err)
	}
}

// maskToken keeps the first 5 characters of a credential for logs.
func maskToken(token string) string {
	if len(token) > 5 {
		return token[:5] + "***"
	}
	if token != "" {
		return "***"
	}
	return ""
}
