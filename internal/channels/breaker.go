package channels

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// breakerAdapter wraps an adapter with a per-channel circuit breaker.
// The breaker opens after 3+ sends in a window fail transiently at a
// 60% ratio and probes again after 30 seconds. Permanent and
// misconfigured failures do not count against the breaker: they are
// provider verdicts, not provider outages.
type breakerAdapter struct {
	Adapter
	cb *gobreaker.CircuitBreaker
}

// WithBreaker decorates an adapter with circuit breaking on Send.
func WithBreaker(a Adapter) Adapter {
	settings := gobreaker.Settings{
		Name:    a.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || ClassOf(err) != ClassTransient
		},
	}
	return &breakerAdapter{Adapter: a, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*SendResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Adapter.Send(ctx, recipient, subject, content, metadata)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, Transientf("%s circuit open, retry later", b.Name()).WithCause(err)
		}
		return nil, err
	}
	return out.(*SendResult), nil
}

func (b *breakerAdapter) Status() map[string]interface{} {
	status := b.Adapter.Status()
	status["breaker_state"] = b.cb.State().String()
	return status
}
