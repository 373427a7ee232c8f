package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/metrics"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

// AdapterRegistry resolves a channel name to its delivery adapter.
type AdapterRegistry interface {
	Get(name string) (channels.Adapter, bool)
}

// DispatcherConfig tunes the delivery handler.
type DispatcherConfig struct {
	AdapterTimeout  time.Duration // hard cap on one provider call
	RateLimitMax    int           // deliveries per window, shared across channels
	RateLimitWindow time.Duration
}

// Dispatcher claims queued notifications and drives them through the
// channel adapters. One instance serves every worker goroutine; the
// shared token bucket gates global delivery throughput.
type Dispatcher struct {
	repo     notification.Repository
	logs     notification.LogRepository
	broker   queue.Broker
	adapters AdapterRegistry
	limiter  *rate.Limiter
	recorder metrics.Recorder
	logger   *telemetry.Logger
	timeout  time.Duration
}

func NewDispatcher(
	repo notification.Repository,
	logs notification.LogRepository,
	broker queue.Broker,
	adapters AdapterRegistry,
	recorder metrics.Recorder,
	logger *telemetry.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	perSecond := rate.Limit(float64(cfg.RateLimitMax) / cfg.RateLimitWindow.Seconds())
	return &Dispatcher{
		repo:     repo,
		logs:     logs,
		broker:   broker,
		adapters: adapters,
		limiter:  rate.NewLimiter(perSecond, cfg.RateLimitMax),
		recorder: recorder,
		logger:   logger,
		timeout:  cfg.AdapterTimeout,
	}
}

// HandleDeliver processes one delivery task. It acks (returns nil) in
// every case the broker must not redeliver: missing rows, terminal
// rows, permanent failures and scheduled retries. A non-nil return is
// reserved for infrastructure faults where redelivery can help.
func (d *Dispatcher) HandleDeliver(ctx context.Context, task *asynq.Task) error {
	var payload queue.DeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("dropping delivery task with malformed payload")
		return nil
	}

	logger := d.logger.WithContext(ctx).WithField("notification_id", payload.NotificationID)

	notif, err := d.repo.GetByID(ctx, payload.NotificationID)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			logger.Warn("notification row missing, dropping task")
			return nil
		}
		return fmt.Errorf("failed to load notification %d: %w", payload.NotificationID, err)
	}

	if notif.Status.IsTerminal() {
		logger.WithField("status", notif.Status).Debug("notification already terminal, dropping replay")
		return nil
	}

	if err := d.repo.MarkProcessing(ctx, notif.ID); err != nil {
		return fmt.Errorf("failed to claim notification %d: %w", notif.ID, err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	start := time.Now()
	result, sendErr := d.deliver(ctx, notif)
	elapsed := time.Since(start).Seconds()

	if sendErr == nil {
		provider := result.ProviderResponse
		if provider == "" {
			provider = result.MessageID
		}
		if err := d.repo.MarkSent(ctx, notif.ID, provider); err != nil {
			return fmt.Errorf("failed to mark notification %d sent: %w", notif.ID, err)
		}
		d.recorder.DeliveryAttempt(string(notif.Channel), "sent", elapsed)
		logger.WithFields(logrus.Fields{
			"channel":    notif.Channel,
			"message_id": result.MessageID,
		}).Info("notification delivered")
		return nil
	}

	return d.handleFailure(ctx, logger, notif, sendErr, elapsed)
}

// deliver runs one adapter call under the per-call timeout. Queued
// deliveries carry no request metadata; direct sends bypass the queue
// entirely.
func (d *Dispatcher) deliver(ctx context.Context, n *notification.Notification) (*channels.SendResult, error) {
	adapter, ok := d.adapters.Get(string(n.Channel))
	if !ok {
		return nil, channels.Misconfiguredf("no adapter registered for channel %q", n.Channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	subject := ""
	if n.Subject != nil {
		subject = *n.Subject
	}
	return adapter.Send(sendCtx, n.Recipient, subject, n.Content, nil)
}

// handleFailure appends the attempt's error log, then either fails the
// notification for good or schedules the next attempt.
func (d *Dispatcher) handleFailure(ctx context.Context, logger *telemetry.ContextualLogger, n *notification.Notification, sendErr error, elapsed float64) error {
	class := channels.ClassOf(sendErr)

	entry := &notification.Log{
		NotificationID: n.ID,
		Status:         notification.LogError,
		Message:        notification.Ptr(sendErr.Error()),
		ErrorDetails: notification.JSONMap{
			"class":   string(class),
			"attempt": n.RetryCount + 1,
		},
	}
	var cerr *channels.Error
	if errors.As(sendErr, &cerr) && cerr.StatusCode != 0 {
		entry.ErrorDetails["status_code"] = cerr.StatusCode
	}
	if err := d.logs.Append(ctx, entry); err != nil {
		logger.WithError(err).Warn("failed to append delivery error log")
	}

	telemetry.CaptureError(sendErr,
		map[string]string{"channel": string(n.Channel), "class": string(class)},
		map[string]interface{}{"notification_id": n.ID, "retry_count": n.RetryCount},
	)

	// The row's budget is authoritative; max_retries 0 means this one
	// attempt was the only one.
	policy := PolicyFor(n.Channel)
	maxRetries := n.MaxRetries

	if class != channels.ClassTransient || n.RetryCount+1 > maxRetries {
		reason := fmt.Sprintf("%s: %s", class, sendErr.Error())
		if class == channels.ClassTransient {
			reason = fmt.Sprintf("retries exhausted after %d attempts: %s", n.RetryCount+1, sendErr.Error())
		}
		if err := d.repo.MarkFailed(ctx, n.ID, reason); err != nil {
			return fmt.Errorf("failed to mark notification %d failed: %w", n.ID, err)
		}
		d.recorder.DeliveryAttempt(string(n.Channel), "failed", elapsed)
		logger.WithFields(logrus.Fields{
			"channel": n.Channel,
			"class":   class,
		}).Warn("notification failed")
		return nil
	}

	attempt, err := d.repo.IncrementRetryCount(ctx, n.ID)
	if err != nil {
		// The budget guard lost a race with another attempt.
		if errors.Is(err, notification.ErrNotFound) {
			reason := fmt.Sprintf("retries exhausted: %s", sendErr.Error())
			if ferr := d.repo.MarkFailed(ctx, n.ID, reason); ferr != nil {
				return fmt.Errorf("failed to mark notification %d failed: %w", n.ID, ferr)
			}
			d.recorder.DeliveryAttempt(string(n.Channel), "failed", elapsed)
			return nil
		}
		return fmt.Errorf("failed to increment retry count for notification %d: %w", n.ID, err)
	}

	delay := policy.Delay(attempt)
	message := fmt.Sprintf("attempt %d/%d failed, retrying in %s: %s", attempt, maxRetries, delay, sendErr.Error())
	if err := d.repo.MarkRetrying(ctx, n.ID, message, notification.JSONMap{
		"attempt":     attempt,
		"max_retries": maxRetries,
		"delay_ms":    delay.Milliseconds(),
		"class":       string(class),
	}); err != nil {
		return fmt.Errorf("failed to mark notification %d retrying: %w", n.ID, err)
	}

	job := queue.Job{
		NotificationID: n.ID,
		Attempt:        attempt,
		Weight:         n.Priority.Weight(),
		Delay:          delay,
	}
	if err := d.broker.Enqueue(ctx, job); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		// The row stays retrying; the sweeper re-enqueues it once the
		// broker is reachable again.
		return fmt.Errorf("failed to enqueue retry for notification %d: %w", n.ID, err)
	}

	d.recorder.DeliveryAttempt(string(n.Channel), "retried", elapsed)
	d.recorder.RetryScheduled(string(n.Channel))
	logger.WithFields(logrus.Fields{
		"channel":  n.Channel,
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("retry scheduled")
	return nil
}
