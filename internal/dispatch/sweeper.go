package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/notifyq/notifyq/internal/metrics"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

// SweeperConfig tunes the stall recovery pass.
type SweeperConfig struct {
	// StallThreshold is how long a claimed row may go untouched before
	// it counts as stalled. Must exceed the longest retry backoff.
	StallThreshold time.Duration
	// PendingBatch caps how many pending rows one tick reconciles.
	PendingBatch int
}

// Sweeper rescues notifications the queue lost track of: claimed rows
// whose worker died without acking, and pending rows whose enqueue
// never reached the broker. It runs as a scheduler task on the same
// mux as deliveries, so one sweep runs at a time across the pool.
type Sweeper struct {
	repo         notification.Repository
	logs         notification.LogRepository
	broker       queue.Broker
	recorder     metrics.Recorder
	logger       *telemetry.Logger
	threshold    time.Duration
	pendingBatch int
}

func NewSweeper(
	repo notification.Repository,
	logs notification.LogRepository,
	broker queue.Broker,
	recorder metrics.Recorder,
	logger *telemetry.Logger,
	cfg SweeperConfig,
) *Sweeper {
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	if cfg.PendingBatch <= 0 {
		cfg.PendingBatch = 100
	}
	return &Sweeper{
		repo:         repo,
		logs:         logs,
		broker:       broker,
		recorder:     recorder,
		logger:       logger,
		threshold:    cfg.StallThreshold,
		pendingBatch: cfg.PendingBatch,
	}
}

// HandleSweep runs one recovery tick. It always acks: anything missed
// here is picked up by the next tick.
func (s *Sweeper) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	logger := s.logger.WithContext(ctx)

	recovered := s.recoverStalled(ctx, logger)
	reconciled := s.reconcilePending(ctx, logger)
	s.observeQueueDepth(ctx, logger)

	if recovered > 0 || reconciled > 0 {
		logger.WithFields(logrus.Fields{
			"stalled_recovered":  recovered,
			"pending_reconciled": reconciled,
		}).Info("sweep recovered notifications")
	}
	return nil
}

// recoverStalled re-enqueues claimed rows that no live broker task
// owns anymore. Task-id reuse keeps the re-enqueue exactly-once per
// tick even with concurrent sweeps.
func (s *Sweeper) recoverStalled(ctx context.Context, logger *telemetry.ContextualLogger) int {
	stale, err := s.repo.ListStale(ctx, s.threshold)
	if err != nil {
		logger.WithError(err).Error("failed to list stalled notifications")
		return 0
	}

	recovered := 0
	for _, n := range stale {
		queueName := queue.QueueForWeight(n.Priority.Weight())
		live, err := s.broker.HasLiveTask(queueName, n.ID, n.RetryCount)
		if err != nil {
			logger.WithError(err).WithField("notification_id", n.ID).
				Warn("failed to inspect stalled notification task")
			continue
		}
		if live {
			continue
		}

		job := queue.Job{
			NotificationID: n.ID,
			Attempt:        n.RetryCount,
			Weight:         n.Priority.Weight(),
		}
		if err := s.broker.Requeue(ctx, job); err != nil {
			logger.WithError(err).WithField("notification_id", n.ID).
				Warn("failed to re-enqueue stalled notification")
			continue
		}

		entry := &notification.Log{
			NotificationID: n.ID,
			Status:         notification.LogStallRecovered,
			Message:        notification.Ptr("stalled delivery re-enqueued"),
			Metadata: notification.JSONMap{
				"previous_status": string(n.Status),
				"attempt":         n.RetryCount,
			},
		}
		if n.LastProcessedAt != nil {
			entry.Metadata["stalled_since"] = n.LastProcessedAt.UTC().Format(time.RFC3339)
		}
		if err := s.logs.Append(ctx, entry); err != nil {
			logger.WithError(err).WithField("notification_id", n.ID).
				Warn("failed to log stall recovery")
		}

		logger.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"channel":         n.Channel,
			"status":          n.Status,
		}).Warn("recovered stalled notification")
		recovered++
	}

	if recovered > 0 {
		s.recorder.StallRecovered(recovered)
	}
	return recovered
}

// reconcilePending enqueues due pending rows whose broker job was lost
// to an outage, and catches up rows whose job exists but whose queued
// mark never landed.
func (s *Sweeper) reconcilePending(ctx context.Context, logger *telemetry.ContextualLogger) int {
	pending, err := s.repo.ListPending(ctx, s.pendingBatch)
	if err != nil {
		logger.WithError(err).Error("failed to list pending notifications")
		return 0
	}

	reconciled := 0
	for _, n := range pending {
		queueName := queue.QueueForWeight(n.Priority.Weight())
		live, err := s.broker.HasLiveTask(queueName, n.ID, n.RetryCount)
		if err != nil {
			logger.WithError(err).WithField("notification_id", n.ID).
				Warn("failed to inspect pending notification task")
			continue
		}

		if !live {
			if err := s.broker.Enqueue(ctx, jobFor(n)); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
				logger.WithError(err).WithField("notification_id", n.ID).
					Warn("failed to enqueue pending notification")
				continue
			}
			s.recorder.NotificationQueued(string(n.Channel), string(n.Priority))
		}

		if err := s.repo.MarkQueued(ctx, n.ID); err != nil {
			logger.WithError(err).WithField("notification_id", n.ID).
				Warn("failed to mark reconciled notification queued")
			continue
		}
		reconciled++
	}
	return reconciled
}

// observeQueueDepth exports the broker backlog per queue.
func (s *Sweeper) observeQueueDepth(ctx context.Context, logger *telemetry.ContextualLogger) {
	stats, err := s.broker.Stats(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to snapshot queue stats")
		return
	}
	for _, q := range stats {
		s.recorder.QueueDepth(q.Queue, q.Pending)
	}
}
