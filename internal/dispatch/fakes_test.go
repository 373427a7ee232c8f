package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

func testLogger() *telemetry.Logger {
	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text"})
	if err != nil {
		panic(err)
	}
	logger.SetOutput(io.Discard)
	return logger
}

// fakeRepo is an in-memory notification.Repository recording every
// status transition as "<id>:<status>".
type fakeRepo struct {
	mu          sync.Mutex
	nextID      int64
	rows        map[int64]*notification.Notification
	stale       []*notification.Notification
	pending     []*notification.Notification
	transitions []string

	providerResponses map[int64]string
	failReasons       map[int64]string
	retryMeta         map[int64]notification.JSONMap

	createCalls      int
	createBatchCalls int
	resetCalls       int

	getErr       error
	createErr    error
	incrementErr error
	markQueueErr error
	listStaleErr error
}

func newFakeRepo(rows ...*notification.Notification) *fakeRepo {
	r := &fakeRepo{
		rows:              make(map[int64]*notification.Notification),
		providerResponses: make(map[int64]string),
		failReasons:       make(map[int64]string),
		retryMeta:         make(map[int64]notification.JSONMap),
	}
	for _, n := range rows {
		r.rows[n.ID] = n
		if n.ID > r.nextID {
			r.nextID = n.ID
		}
	}
	return r
}

func (r *fakeRepo) record(id int64, status string) {
	r.transitions = append(r.transitions, fmt.Sprintf("%d:%s", id, status))
}

func (r *fakeRepo) Create(ctx context.Context, n *notification.Notification) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return 0, r.createErr
	}
	r.createCalls++
	r.nextID++
	n.ID = r.nextID
	if n.Status == "" {
		n.Status = notification.StatusPending
	}
	r.rows[n.ID] = n
	return n.ID, nil
}

func (r *fakeRepo) CreateBatch(ctx context.Context, ns []*notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.createBatchCalls++
	for _, n := range ns {
		r.nextID++
		n.ID = r.nextID
		if n.Status == "" {
			n.Status = notification.StatusPending
		}
		r.rows[n.ID] = n
	}
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id int64) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	n, ok := r.rows[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*notification.Notification, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, fmt.Sprintf("list_by_user:%d:%d:%d", userID, limit, offset))
	return nil, 0, nil
}

func (r *fakeRepo) List(ctx context.Context, f notification.Filter) ([]*notification.Notification, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, id int64, status notification.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(id, string(status))
	return nil
}

func (r *fakeRepo) UpdateStatusBatch(ctx context.Context, ids []int64, status notification.Status) error {
	return nil
}

func (r *fakeRepo) MarkQueued(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markQueueErr != nil {
		return r.markQueueErr
	}
	if n, ok := r.rows[id]; ok {
		n.Status = notification.StatusQueued
	}
	r.record(id, "queued")
	return nil
}

func (r *fakeRepo) MarkQueuedBatch(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markQueueErr != nil {
		return r.markQueueErr
	}
	for _, id := range ids {
		if n, ok := r.rows[id]; ok {
			n.Status = notification.StatusQueued
		}
		r.record(id, "queued")
	}
	return nil
}

func (r *fakeRepo) MarkProcessing(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = notification.StatusProcessing
	now := time.Now()
	n.LastProcessedAt = &now
	r.record(id, "processing")
	return nil
}

func (r *fakeRepo) MarkSent(ctx context.Context, id int64, providerResponse string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = notification.StatusSent
	now := time.Now()
	n.SentAt = &now
	r.providerResponses[id] = providerResponse
	r.record(id, "sent")
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = notification.StatusFailed
	n.ErrorMessage = notification.Ptr(reason)
	r.failReasons[id] = reason
	r.record(id, "failed")
	return nil
}

func (r *fakeRepo) MarkRetrying(ctx context.Context, id int64, message string, metadata notification.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = notification.StatusRetrying
	r.retryMeta[id] = metadata
	r.record(id, "retrying")
	return nil
}

func (r *fakeRepo) IncrementRetryCount(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incrementErr != nil {
		return 0, r.incrementErr
	}
	n, ok := r.rows[id]
	if !ok || n.RetryCount >= n.MaxRetries {
		return 0, notification.ErrNotFound
	}
	n.RetryCount++
	return n.RetryCount, nil
}

func (r *fakeRepo) ResetRetryCount(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCalls++
	if n, ok := r.rows[id]; ok {
		n.RetryCount = 0
	}
	return nil
}

func (r *fakeRepo) SetErrorMessage(ctx context.Context, id int64, msg string) error {
	return nil
}

func (r *fakeRepo) ListPending(ctx context.Context, limit int) ([]*notification.Notification, error) {
	return r.pending, nil
}

func (r *fakeRepo) ListRetryable(ctx context.Context) ([]*notification.Notification, error) {
	return nil, nil
}

func (r *fakeRepo) ListStale(ctx context.Context, olderThan time.Duration) ([]*notification.Notification, error) {
	if r.listStaleErr != nil {
		return nil, r.listStaleErr
	}
	return r.stale, nil
}

func (r *fakeRepo) StatsLast24h(ctx context.Context) (*notification.Stats, error) {
	return &notification.Stats{}, nil
}

// fakeLogs is an in-memory notification.LogRepository.
type fakeLogs struct {
	mu      sync.Mutex
	entries []*notification.Log
}

func (l *fakeLogs) Append(ctx context.Context, log *notification.Log) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, log)
	return nil
}

func (l *fakeLogs) ListByNotification(ctx context.Context, notificationID int64) ([]*notification.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*notification.Log
	for _, e := range l.entries {
		if e.NotificationID == notificationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLogs) ListRecent(ctx context.Context, limit int) ([]*notification.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries, nil
}

func (l *fakeLogs) ListErrors(ctx context.Context, limit int) ([]*notification.ErrorLog, error) {
	return nil, nil
}

func (l *fakeLogs) byStatus(status string) []*notification.Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*notification.Log
	for _, e := range l.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// fakeUsers serves a fixed user directory.
type fakeUsers struct {
	users map[int64]*notification.User
}

func (u *fakeUsers) GetByID(ctx context.Context, id int64) (*notification.User, error) {
	if user, ok := u.users[id]; ok {
		return user, nil
	}
	return nil, notification.ErrNotFound
}

func (u *fakeUsers) GetByEmail(ctx context.Context, email string) (*notification.User, error) {
	return nil, notification.ErrNotFound
}

func (u *fakeUsers) Create(ctx context.Context, user *notification.User) error { return nil }
func (u *fakeUsers) Update(ctx context.Context, user *notification.User) error { return nil }

// fakeBroker records enqueued jobs and serves task liveness lookups.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []queue.Job
	requeued []queue.Job
	live     map[string]bool
	dup      map[string]bool
	stats    []queue.QueueStats

	enqueueErr error
	requeueErr error
	liveErr    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{live: make(map[string]bool), dup: make(map[string]bool)}
}

func (b *fakeBroker) Enqueue(ctx context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	if b.dup[queue.TaskIDFor(job.NotificationID, job.Attempt)] {
		return queue.ErrDuplicateJob
	}
	b.enqueued = append(b.enqueued, job)
	return nil
}

func (b *fakeBroker) EnqueueBulk(ctx context.Context, jobs []queue.Job) error {
	for _, job := range jobs {
		if err := b.Enqueue(ctx, job); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			return err
		}
	}
	return nil
}

func (b *fakeBroker) Requeue(ctx context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requeueErr != nil {
		return b.requeueErr
	}
	b.requeued = append(b.requeued, job)
	return nil
}

func (b *fakeBroker) HasLiveTask(queueName string, notificationID int64, attempt int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.liveErr != nil {
		return false, b.liveErr
	}
	return b.live[queue.TaskIDFor(notificationID, attempt)], nil
}

func (b *fakeBroker) Stats(ctx context.Context) ([]queue.QueueStats, error) { return b.stats, nil }
func (b *fakeBroker) Health(ctx context.Context) error                      { return nil }
func (b *fakeBroker) WorkersRunning() (bool, error)                         { return true, nil }
func (b *fakeBroker) Pause(queueName string) error                          { return nil }
func (b *fakeBroker) Resume(queueName string) error                         { return nil }
func (b *fakeBroker) ClearArchived(queueName string) (int, error)           { return 0, nil }
func (b *fakeBroker) RetryArchived(queueName string) (int, error)           { return 0, nil }
func (b *fakeBroker) Close() error                                          { return nil }

// fakeRecorder counts pipeline events for assertions.
type fakeRecorder struct {
	mu       sync.Mutex
	queued   []string
	attempts []string
	retries  int
	stalls   int
	depths   map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{depths: make(map[string]int)}
}

func (r *fakeRecorder) NotificationQueued(channel, priority string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, channel+"/"+priority)
}

func (r *fakeRecorder) DeliveryAttempt(channel, outcome string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, channel+"/"+outcome)
}

func (r *fakeRecorder) RetryScheduled(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *fakeRecorder) StallRecovered(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stalls += count
}

func (r *fakeRecorder) QueueDepth(queueName string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depths[queueName] = depth
}

// stubAdapter is a scripted channels.Adapter.
type stubAdapter struct {
	name          string
	result        *channels.SendResult
	err           error
	calls         int
	lastRecipient string
	lastSubject   string
	lastContent   string
}

func (a *stubAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*channels.SendResult, error) {
	a.calls++
	a.lastRecipient = recipient
	a.lastSubject = subject
	a.lastContent = content
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &channels.SendResult{MessageID: "stub-id"}, nil
}

func (a *stubAdapter) Verify(ctx context.Context) error { return nil }

func (a *stubAdapter) Status() map[string]interface{} {
	return map[string]interface{}{"configured": true}
}

func (a *stubAdapter) Name() string { return a.name }
