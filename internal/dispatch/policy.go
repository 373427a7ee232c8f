// Package dispatch owns the delivery pipeline: the retry policy
// engine, the task handler that claims and delivers notifications,
// the submission service that feeds the broker, and the sweeper that
// rescues stalled work.
package dispatch

import (
	"time"

	"github.com/notifyq/notifyq/internal/notification"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Policy is the per-channel retry budget and backoff shape. A row's
// own max_retries overrides MaxRetries when set.
type Policy struct {
	MaxRetries int
	Backoff    BackoffType
	Base       time.Duration
	Cap        time.Duration // exponential only; 0 defaults to Base*10
}

// PolicyFor returns the retry policy for a channel. Unknown channels
// get the conservative fixed default.
func PolicyFor(channel notification.Channel) Policy {
	switch channel {
	case notification.ChannelEmail:
		return Policy{MaxRetries: 5, Backoff: BackoffExponential, Base: 2 * time.Second, Cap: 5 * time.Minute}
	case notification.ChannelSMS:
		return Policy{MaxRetries: 3, Backoff: BackoffExponential, Base: 5 * time.Second, Cap: 10 * time.Minute}
	case notification.ChannelPush:
		return Policy{MaxRetries: 4, Backoff: BackoffExponential, Base: 1 * time.Second, Cap: 2 * time.Minute}
	case notification.ChannelSlack:
		return Policy{MaxRetries: 3, Backoff: BackoffFixed, Base: 10 * time.Second}
	case notification.ChannelTelegram:
		return Policy{MaxRetries: 3, Backoff: BackoffFixed, Base: 10 * time.Second}
	default:
		return Policy{MaxRetries: 3, Backoff: BackoffFixed, Base: 10 * time.Second}
	}
}

// Delay returns the backoff before retry attempt (1-indexed).
// Exponential delays double per attempt and never exceed the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == BackoffFixed {
		return p.Base
	}

	limit := p.Cap
	if limit <= 0 {
		limit = p.Base * 10
	}

	d := p.Base << uint(attempt-1)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
