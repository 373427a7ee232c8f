package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/notifyq/notifyq/internal/errors"
	"github.com/notifyq/notifyq/internal/metrics"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

// ChannelTarget names one delivery channel and its destination. The
// recipient may be omitted when the request carries a user id; the
// address is then resolved from the recipient directory.
type ChannelTarget struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
}

// SendRequest is one submission. It fans out into one notification row
// per channel target.
type SendRequest struct {
	UserID      *int64                 `json:"userId,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	Message     string                 `json:"message"`
	Channels    []ChannelTarget        `json:"channels"`
	Priority    string                 `json:"priority,omitempty"`
	ScheduledAt *time.Time             `json:"scheduledAt,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	MaxRetries  *int                   `json:"maxRetries,omitempty"`
}

// SendReceipt reports an accepted submission.
type SendReceipt struct {
	// NotificationID is the first created row, returned to the caller.
	NotificationID int64
	// IDs lists every created row in channel order.
	IDs []int64
}

// BulkItem is the outcome of one entry in a bulk submission.
type BulkItem struct {
	Index          int     `json:"index"`
	Success        bool    `json:"success"`
	NotificationID int64   `json:"notificationId,omitempty"`
	IDs            []int64 `json:"notificationIds,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Service accepts notification submissions: it validates the request,
// resolves recipients, renders templates, persists the rows and hands
// delivery jobs to the broker. A broker outage after the rows are
// created leaves them pending; the sweeper enqueues them once the
// broker recovers.
type Service struct {
	repo     notification.Repository
	logs     notification.LogRepository
	users    notification.UserRepository
	broker   queue.Broker
	recorder metrics.Recorder
	logger   *telemetry.Logger
}

func NewService(
	repo notification.Repository,
	logs notification.LogRepository,
	users notification.UserRepository,
	broker queue.Broker,
	recorder metrics.Recorder,
	logger *telemetry.Logger,
) *Service {
	return &Service{
		repo:     repo,
		logs:     logs,
		users:    users,
		broker:   broker,
		recorder: recorder,
		logger:   logger,
	}
}

// Send accepts one submission and returns the created row ids.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendReceipt, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	rows, err := s.buildRows(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(rows) == 1 {
		if _, err := s.repo.Create(ctx, rows[0]); err != nil {
			return nil, s.persistErr("create notification", err)
		}
	} else {
		if err := s.repo.CreateBatch(ctx, rows); err != nil {
			return nil, s.persistErr("create notifications", err)
		}
	}

	if err := s.enqueueRows(ctx, rows); err != nil {
		return nil, err
	}

	return &SendReceipt{NotificationID: rows[0].ID, IDs: rowIDs(rows)}, nil
}

// SendBulk accepts many submissions. Invalid entries fail individually;
// the valid remainder is persisted in one transaction and enqueued in
// one bulk push.
func (s *Service) SendBulk(ctx context.Context, reqs []SendRequest) ([]BulkItem, error) {
	if len(reqs) == 0 {
		return nil, apperrors.NewValidationError("notifications", "notifications must not be empty")
	}

	items := make([]BulkItem, len(reqs))
	rowsPerItem := make([][]*notification.Notification, len(reqs))
	var all []*notification.Notification

	for i := range reqs {
		items[i].Index = i
		if err := validateRequest(&reqs[i]); err != nil {
			items[i].Error = err.Error()
			continue
		}
		rows, err := s.buildRows(ctx, &reqs[i])
		if err != nil {
			// Row building only fails the batch when the store does.
			if apperrors.IsErrorType(err, apperrors.ErrorTypePersistence) {
				return nil, err
			}
			items[i].Error = err.Error()
			continue
		}
		rowsPerItem[i] = rows
		all = append(all, rows...)
	}

	if len(all) == 0 {
		return nil, apperrors.NewValidationError("notifications", "no valid notifications in batch")
	}

	if err := s.repo.CreateBatch(ctx, all); err != nil {
		return nil, s.persistErr("create notification batch", err)
	}

	if err := s.enqueueRows(ctx, all); err != nil {
		return nil, err
	}

	for i, rows := range rowsPerItem {
		if rows == nil {
			continue
		}
		items[i].Success = true
		items[i].NotificationID = rows[0].ID
		items[i].IDs = rowIDs(rows)
	}
	return items, nil
}

// Retry re-enqueues a notification from its database row, regardless
// of broker state. Delivered rows cannot be retried.
func (s *Service) Retry(ctx context.Context, id int64, resetRetryCount bool) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			return apperrors.NewNotFoundError("notification")
		}
		return s.persistErr("load notification", err)
	}

	if n.Status == notification.StatusSent {
		return apperrors.NewConflictError(fmt.Sprintf("notification %d is already delivered", id))
	}

	if resetRetryCount && n.RetryCount > 0 {
		if err := s.repo.ResetRetryCount(ctx, id); err != nil {
			return s.persistErr("reset retry count", err)
		}
		n.RetryCount = 0
	}

	job := queue.Job{
		NotificationID: n.ID,
		Attempt:        n.RetryCount,
		Weight:         n.Priority.Weight(),
	}
	if err := s.broker.Requeue(ctx, job); err != nil {
		return apperrors.NewBrokerError("requeue", err)
	}

	if err := s.repo.MarkQueued(ctx, id); err != nil {
		// The job is in; the row catches up when a worker claims it.
		s.logger.WithContext(ctx).WithError(err).WithField("notification_id", id).
			Warn("failed to mark retried notification queued")
	}

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"notification_id": id,
		"reset":           resetRetryCount,
	}).Info("notification requeued manually")
	return nil
}

// Status loads one notification row.
func (s *Service) Status(ctx context.Context, id int64) (*notification.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("notification")
		}
		return nil, s.persistErr("load notification", err)
	}
	return n, nil
}

// ListForUser returns one page of a user's notifications plus the
// total row count.
func (s *Service) ListForUser(ctx context.Context, userID int64, page, limit int) ([]*notification.Notification, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, total, err := s.repo.ListByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, s.persistErr("list user notifications", err)
	}
	return rows, total, nil
}

// Analytics aggregates the last 24 hours of delivery activity.
func (s *Service) Analytics(ctx context.Context) (*notification.Stats, error) {
	stats, err := s.repo.StatsLast24h(ctx)
	if err != nil {
		return nil, s.persistErr("aggregate stats", err)
	}
	return stats, nil
}

// RecentLogs returns the newest audit log entries across all
// notifications.
func (s *Service) RecentLogs(ctx context.Context, limit int) ([]*notification.Log, error) {
	logs, err := s.logs.ListRecent(ctx, normalizeLimit(limit))
	if err != nil {
		return nil, s.persistErr("list logs", err)
	}
	return logs, nil
}

// ErrorLogs returns the newest error and failure log entries joined
// with their notification's channel and recipient.
func (s *Service) ErrorLogs(ctx context.Context, limit int) ([]*notification.ErrorLog, error) {
	logs, err := s.logs.ListErrors(ctx, normalizeLimit(limit))
	if err != nil {
		return nil, s.persistErr("list error logs", err)
	}
	return logs, nil
}

// validateRequest enforces the submission contract before anything is
// persisted.
func validateRequest(req *SendRequest) error {
	if req.Message == "" {
		return apperrors.NewValidationError("message", "message must not be empty")
	}
	if len(req.Channels) == 0 {
		return apperrors.NewValidationError("channels", "channels must not be empty")
	}
	for i, target := range req.Channels {
		if !notification.ValidChannel(target.Type) {
			return apperrors.NewValidationError(
				fmt.Sprintf("channels[%d].type", i),
				fmt.Sprintf("unknown channel type %q", target.Type),
			)
		}
		if target.Recipient == "" && req.UserID == nil {
			return apperrors.NewValidationError(
				fmt.Sprintf("channels[%d].recipient", i),
				"recipient is required unless userId is set",
			)
		}
	}
	if req.Priority != "" && !notification.ValidPriority(req.Priority) {
		return apperrors.NewValidationError("priority",
			fmt.Sprintf("unknown priority %q, expected one of low, normal, high, urgent", req.Priority))
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return apperrors.NewValidationError("maxRetries", "maxRetries must not be negative")
	}
	return nil
}

// buildRows turns a validated request into notification rows: resolves
// recipients through the user directory, renders {{name}} template
// variables from the metadata map and stamps the per-channel retry
// budget.
func (s *Service) buildRows(ctx context.Context, req *SendRequest) ([]*notification.Notification, error) {
	var user *notification.User
	if req.UserID != nil {
		u, err := s.users.GetByID(ctx, *req.UserID)
		if err != nil {
			if errors.Is(err, notification.ErrNotFound) {
				return nil, apperrors.NewValidationError("userId",
					fmt.Sprintf("user %d not found", *req.UserID))
			}
			return nil, s.persistErr("load user", err)
		}
		user = u
	}

	subject := notification.Render(req.Subject, req.Metadata)
	content := notification.Render(req.Message, req.Metadata)
	priority := notification.ParsePriority(req.Priority)

	rows := make([]*notification.Notification, 0, len(req.Channels))
	for i, target := range req.Channels {
		ch := notification.Channel(target.Type)

		if user != nil && !user.AllowsChannel(ch) {
			s.logger.WithContext(ctx).WithFields(logrus.Fields{
				"user_id": user.ID,
				"channel": ch,
			}).Info("channel disabled by user preference, skipping")
			continue
		}

		recipient := target.Recipient
		if recipient == "" {
			addr, err := user.RecipientFor(ch)
			if err != nil {
				return nil, apperrors.NewValidationError(
					fmt.Sprintf("channels[%d].recipient", i), err.Error())
			}
			recipient = addr
		}

		maxRetries := PolicyFor(ch).MaxRetries
		if req.MaxRetries != nil {
			maxRetries = *req.MaxRetries
		}

		n := &notification.Notification{
			UserID:     req.UserID,
			Channel:    ch,
			Recipient:  recipient,
			Content:    content,
			Priority:   priority,
			MaxRetries: maxRetries,
		}
		if subject != "" {
			n.Subject = notification.Ptr(subject)
		}
		if req.ScheduledAt != nil {
			n.ScheduledAt = *req.ScheduledAt
		}
		rows = append(rows, n)
	}

	if len(rows) == 0 {
		return nil, apperrors.NewValidationError("channels",
			"every requested channel is disabled by user preferences")
	}
	return rows, nil
}

// enqueueRows pushes delivery jobs for freshly created rows and marks
// them queued. Enqueue failures leave the rows pending for the sweeper.
func (s *Service) enqueueRows(ctx context.Context, rows []*notification.Notification) error {
	if len(rows) == 1 {
		if err := s.broker.Enqueue(ctx, jobFor(rows[0])); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			return apperrors.NewBrokerError("enqueue", err)
		}
	} else {
		jobs := make([]queue.Job, len(rows))
		for i, n := range rows {
			jobs[i] = jobFor(n)
		}
		if err := s.broker.EnqueueBulk(ctx, jobs); err != nil {
			return apperrors.NewBrokerError("enqueue bulk", err)
		}
	}

	ids := rowIDs(rows)
	var err error
	if len(ids) == 1 {
		err = s.repo.MarkQueued(ctx, ids[0])
	} else {
		err = s.repo.MarkQueuedBatch(ctx, ids)
	}
	if err != nil {
		// The jobs are in; rows catch up when workers claim them.
		s.logger.WithContext(ctx).WithError(err).Warn("failed to mark created notifications queued")
	}

	for _, n := range rows {
		s.recorder.NotificationQueued(string(n.Channel), string(n.Priority))
	}
	return nil
}

func (s *Service) persistErr(operation string, err error) error {
	if errors.Is(err, notification.ErrConflict) {
		return apperrors.NewConflictError(operation)
	}
	return apperrors.NewPersistenceError(operation, err)
}

func jobFor(n *notification.Notification) queue.Job {
	job := queue.Job{
		NotificationID: n.ID,
		Attempt:        n.RetryCount,
		Weight:         n.Priority.Weight(),
	}
	if d := time.Until(n.ScheduledAt); d > 0 {
		job.Delay = d
	}
	return job
}

func rowIDs(rows []*notification.Notification) []int64 {
	ids := make([]int64, len(rows))
	for i, n := range rows {
		ids[i] = n.ID
	}
	return ids
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
