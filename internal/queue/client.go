// Package queue wraps the asynq broker. Deliveries ride four
// weighted queues consumed in strict priority order; every task id
// encodes the notification and attempt number so an id conflict means
// the attempt is already enqueued.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Task type identifiers.
const (
	TaskDeliver = "notification:deliver"
	TaskSweep   = "queue:sweep"
)

// Queue names, highest priority first.
const (
	QueueUrgent = "urgent"
	QueueHigh   = "high"
	QueueNormal = "normal"
	QueueLow    = "low"
)

// deliveryRetention keeps finished delivery tasks inspectable for a day.
const deliveryRetention = 24 * time.Hour

// bulkEnqueueParallelism caps concurrent enqueues during bulk pushes.
const bulkEnqueueParallelism = 8

// ErrDuplicateJob reports that this notification attempt is already
// enqueued.
var ErrDuplicateJob = errors.New("queue: duplicate job for this attempt")

// Queues returns the weight map consumed by the worker.
func Queues() map[string]int {
	return map[string]int{
		QueueUrgent: 10,
		QueueHigh:   5,
		QueueNormal: 3,
		QueueLow:    1,
	}
}

// QueueNames returns the queue names in priority order.
func QueueNames() []string {
	return []string{QueueUrgent, QueueHigh, QueueNormal, QueueLow}
}

// QueueForWeight maps a priority weight onto a queue name.
func QueueForWeight(weight int) string {
	switch {
	case weight >= 10:
		return QueueUrgent
	case weight >= 5:
		return QueueHigh
	case weight >= 0:
		return QueueNormal
	default:
		return QueueLow
	}
}

// TaskIDFor builds the broker task id for one delivery attempt.
func TaskIDFor(notificationID int64, attempt int) string {
	return fmt.Sprintf("notification:%d:%d", notificationID, attempt)
}

// DeliverPayload is the JSON body of a delivery task.
type DeliverPayload struct {
	NotificationID int64 `json:"notification_id"`
}

// Job describes one delivery attempt to enqueue.
type Job struct {
	NotificationID int64
	Attempt        int           // current retry count, part of the task id
	Weight         int           // priority weight, selects the queue
	Delay          time.Duration // 0 enqueues immediately
}

// QueueStats is a point-in-time snapshot of one broker queue.
type QueueStats struct {
	Queue     string        `json:"queue"`
	Size      int           `json:"size"`
	Pending   int           `json:"pending"`
	Active    int           `json:"active"`
	Scheduled int           `json:"scheduled"`
	Retry     int           `json:"retry"`
	Archived  int           `json:"archived"`
	Completed int           `json:"completed"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Paused    bool          `json:"paused"`
	Latency   time.Duration `json:"latency"`
}

// Totals aggregates queue snapshots across all queues.
type Totals struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Aggregate sums per-queue snapshots. Failed counts archived tasks,
// delayed counts scheduled plus broker-retried tasks.
func Aggregate(stats []QueueStats) Totals {
	var t Totals
	for _, s := range stats {
		t.Waiting += s.Pending
		t.Active += s.Active
		t.Delayed += s.Scheduled + s.Retry
		t.Completed += s.Completed
		t.Failed += s.Archived
	}
	return t
}

// Broker is the queue surface consumed by the submission service, the
// dispatcher and the admin endpoints.
type Broker interface {
	// Enqueue adds one delivery attempt. Returns ErrDuplicateJob when
	// the attempt is already enqueued.
	Enqueue(ctx context.Context, job Job) error

	// EnqueueBulk adds many delivery attempts concurrently. Attempts
	// that are already enqueued are skipped, any other failure aborts.
	EnqueueBulk(ctx context.Context, jobs []Job) error

	// Requeue enqueues an attempt whose task id may be held by a
	// finished task from an earlier run, deleting the stale task if
	// needed.
	Requeue(ctx context.Context, job Job) error

	// HasLiveTask reports whether the attempt still has a runnable
	// task (pending, scheduled, retrying or active) in the queue.
	HasLiveTask(queue string, notificationID int64, attempt int) (bool, error)

	// Stats snapshots every known queue.
	Stats(ctx context.Context) ([]QueueStats, error)

	// Health pings the backing store.
	Health(ctx context.Context) error

	// WorkersRunning reports whether any worker process is consuming.
	WorkersRunning() (bool, error)

	// Pause stops consumption from a queue. Pausing a paused queue is
	// a no-op.
	Pause(queue string) error

	// Resume restarts consumption from a queue.
	Resume(queue string) error

	// ClearArchived drops all archived tasks from a queue and returns
	// the number removed.
	ClearArchived(queue string) (int, error)

	// RetryArchived moves all archived tasks in a queue back to
	// pending and returns the number moved.
	RetryArchived(queue string) (int, error)

	// Close releases broker connections.
	Close() error
}

// Client implements Broker on asynq.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
}

// NewClient connects the enqueue side and the inspector to Redis.
func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		rdb: redis.NewClient(&redis.Options{
			Addr:     opt.Addr,
			Password: opt.Password,
			DB:       opt.DB,
		}),
	}
}

func (c *Client) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(DeliverPayload{NotificationID: job.NotificationID})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueForWeight(job.Weight)),
		asynq.TaskID(TaskIDFor(job.NotificationID, job.Attempt)),
		// Retries are scheduled by the dispatcher as fresh tasks, so
		// asynq's own retry stays off. A handler error archives the
		// task instead.
		asynq.MaxRetry(0),
		asynq.Retention(deliveryRetention),
	}
	if job.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(job.Delay))
	}

	task := asynq.NewTask(TaskDeliver, payload)
	if _, err := c.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("failed to enqueue notification %d: %w", job.NotificationID, err)
	}
	return nil
}

// EnqueueBulk pushes jobs in parallel. asynq has no multi-task round
// trip, so this bounds the per-notification latency of large batches.
func (c *Client) EnqueueBulk(ctx context.Context, jobs []Job) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkEnqueueParallelism)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := c.Enqueue(ctx, job); err != nil && !errors.Is(err, ErrDuplicateJob) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) Requeue(ctx context.Context, job Job) error {
	err := c.Enqueue(ctx, job)
	if !errors.Is(err, ErrDuplicateJob) {
		return err
	}

	// A finished task from an earlier run still holds this id within
	// its retention window. Drop it and enqueue once more.
	queue := QueueForWeight(job.Weight)
	taskID := TaskIDFor(job.NotificationID, job.Attempt)
	if derr := c.inspector.DeleteTask(queue, taskID); derr != nil && !errors.Is(derr, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to delete stale task %s: %w", taskID, derr)
	}
	return c.Enqueue(ctx, job)
}

func (c *Client) HasLiveTask(queue string, notificationID int64, attempt int) (bool, error) {
	info, err := c.inspector.GetTaskInfo(queue, TaskIDFor(notificationID, attempt))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect task: %w", err)
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return true, nil
	default:
		return false, nil
	}
}

func (c *Client) Stats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(QueueNames()))
	for _, name := range QueueNames() {
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil {
			// Queues materialize on first enqueue.
			if errors.Is(err, asynq.ErrQueueNotFound) {
				out = append(out, QueueStats{Queue: name})
				continue
			}
			return nil, fmt.Errorf("failed to get stats for queue %q: %w", name, err)
		}
		out = append(out, QueueStats{
			Queue:     info.Queue,
			Size:      info.Size,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
			Latency:   info.Latency,
		})
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (c *Client) WorkersRunning() (bool, error) {
	servers, err := c.inspector.Servers()
	if err != nil {
		return false, fmt.Errorf("failed to list worker servers: %w", err)
	}
	return len(servers) > 0, nil
}

func (c *Client) Pause(queue string) error {
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get queue %q: %w", queue, err)
	}
	if info.Paused {
		return nil
	}
	if err := c.inspector.PauseQueue(queue); err != nil {
		return fmt.Errorf("failed to pause queue %q: %w", queue, err)
	}
	return nil
}

func (c *Client) Resume(queue string) error {
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get queue %q: %w", queue, err)
	}
	if !info.Paused {
		return nil
	}
	if err := c.inspector.UnpauseQueue(queue); err != nil {
		return fmt.Errorf("failed to resume queue %q: %w", queue, err)
	}
	return nil
}

func (c *Client) ClearArchived(queue string) (int, error) {
	n, err := c.inspector.DeleteAllArchivedTasks(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to clear archived tasks in %q: %w", queue, err)
	}
	return n, nil
}

func (c *Client) RetryArchived(queue string) (int, error) {
	n, err := c.inspector.RunAllArchivedTasks(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to retry archived tasks in %q: %w", queue, err)
	}
	return n, nil
}

func (c *Client) Close() error {
	cerr := c.client.Close()
	ierr := c.inspector.Close()
	rerr := c.rdb.Close()
	if cerr != nil {
		return cerr
	}
	if ierr != nil {
		return ierr
	}
	return rerr
}
