package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/notifyq/notifyq/internal/cache"
	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/dispatch"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

type retryCall struct {
	id    int64
	reset bool
}

type listCall struct {
	userID int64
	page   int
	limit  int
}

// fakeNotifier scripts the NotificationService surface.
type fakeNotifier struct {
	receipt  *dispatch.SendReceipt
	sendErr  error
	lastSend *dispatch.SendRequest

	bulkResults []dispatch.BulkItem
	bulkErr     error
	lastBulk    []dispatch.SendRequest

	retryErr   error
	retryCalls []retryCall

	statusRow *notification.Notification
	statusErr error

	listRows  []*notification.Notification
	listTotal int64
	listErr   error
	lastList  listCall

	stats    *notification.Stats
	statsErr error
	logs     []*notification.Log
	errLogs  []*notification.ErrorLog
	logsErr  error
}

func (f *fakeNotifier) Send(ctx context.Context, req *dispatch.SendRequest) (*dispatch.SendReceipt, error) {
	f.lastSend = req
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.receipt, nil
}

func (f *fakeNotifier) SendBulk(ctx context.Context, reqs []dispatch.SendRequest) ([]dispatch.BulkItem, error) {
	f.lastBulk = reqs
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	return f.bulkResults, nil
}

func (f *fakeNotifier) Retry(ctx context.Context, id int64, reset bool) error {
	f.retryCalls = append(f.retryCalls, retryCall{id: id, reset: reset})
	return f.retryErr
}

func (f *fakeNotifier) Status(ctx context.Context, id int64) (*notification.Notification, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusRow, nil
}

func (f *fakeNotifier) ListForUser(ctx context.Context, userID int64, page, limit int) ([]*notification.Notification, int64, error) {
	f.lastList = listCall{userID: userID, page: page, limit: limit}
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.listRows, f.listTotal, nil
}

func (f *fakeNotifier) Analytics(ctx context.Context) (*notification.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeNotifier) RecentLogs(ctx context.Context, limit int) ([]*notification.Log, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeNotifier) ErrorLogs(ctx context.Context, limit int) ([]*notification.ErrorLog, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.errLogs, nil
}

// fakeBroker scripts the admin-facing queue surface.
type fakeBroker struct {
	stats      []queue.QueueStats
	statsErr   error
	healthErr  error
	workers    bool
	workersErr error

	paused   []string
	resumed  []string
	pauseErr error

	clearedPer map[string]int
	retriedPer map[string]int
	clearErr   error
	retryErr   error
}

func (f *fakeBroker) Enqueue(ctx context.Context, job queue.Job) error     { return nil }
func (f *fakeBroker) EnqueueBulk(ctx context.Context, jobs []queue.Job) error { return nil }
func (f *fakeBroker) Requeue(ctx context.Context, job queue.Job) error     { return nil }
func (f *fakeBroker) HasLiveTask(q string, id int64, attempt int) (bool, error) {
	return false, nil
}

func (f *fakeBroker) Stats(ctx context.Context) ([]queue.QueueStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeBroker) Health(ctx context.Context) error { return f.healthErr }

func (f *fakeBroker) WorkersRunning() (bool, error) { return f.workers, f.workersErr }

func (f *fakeBroker) Pause(q string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, q)
	return nil
}

func (f *fakeBroker) Resume(q string) error {
	f.resumed = append(f.resumed, q)
	return nil
}

func (f *fakeBroker) ClearArchived(q string) (int, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	return f.clearedPer[q], nil
}

func (f *fakeBroker) RetryArchived(q string) (int, error) {
	if f.retryErr != nil {
		return 0, f.retryErr
	}
	return f.retriedPer[q], nil
}

func (f *fakeBroker) Close() error { return nil }

// stubAdapter is a scriptable channels.Adapter.
type stubAdapter struct {
	name      string
	result    *channels.SendResult
	err       error
	verifyErr error
	status    map[string]interface{}

	calls         int
	lastRecipient string
	lastSubject   string
	lastContent   string
	lastMetadata  map[string]interface{}
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Send(ctx context.Context, recipient, subject, content string, metadata map[string]interface{}) (*channels.SendResult, error) {
	a.calls++
	a.lastRecipient = recipient
	a.lastSubject = subject
	a.lastContent = content
	a.lastMetadata = metadata
	if a.err != nil {
		return nil, a.err
	}
	if a.result != nil {
		return a.result, nil
	}
	return &channels.SendResult{MessageID: "stub-id"}, nil
}

func (a *stubAdapter) Verify(ctx context.Context) error { return a.verifyErr }

func (a *stubAdapter) Status() map[string]interface{} {
	if a.status != nil {
		return a.status
	}
	return map[string]interface{}{"channel": a.name, "configured": true}
}

// fakePush scripts the FCM-specific operations.
type fakePush struct {
	multicastResult *channels.MulticastResult
	multicastErr    error
	topicSend       *channels.SendResult
	topicSendErr    error
	topicResult     *channels.TopicResult
	topicErr        error

	lastTokens []string
	lastTopic  string
}

func (f *fakePush) SendMulticast(ctx context.Context, tokens []string, subject, content string, metadata map[string]interface{}) (*channels.MulticastResult, error) {
	f.lastTokens = tokens
	if f.multicastErr != nil {
		return nil, f.multicastErr
	}
	return f.multicastResult, nil
}

func (f *fakePush) SendToTopic(ctx context.Context, topic, subject, content string, metadata map[string]interface{}) (*channels.SendResult, error) {
	f.lastTopic = topic
	if f.topicSendErr != nil {
		return nil, f.topicSendErr
	}
	return f.topicSend, nil
}

func (f *fakePush) SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*channels.TopicResult, error) {
	f.lastTokens, f.lastTopic = tokens, topic
	if f.topicErr != nil {
		return nil, f.topicErr
	}
	return f.topicResult, nil
}

func (f *fakePush) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*channels.TopicResult, error) {
	f.lastTokens, f.lastTopic = tokens, topic
	if f.topicErr != nil {
		return nil, f.topicErr
	}
	return f.topicResult, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Health(ctx context.Context) error { return f.err }

type fakeStatsCache struct {
	entries map[string][]byte
	getErr  error
	setErr  error
	sets    int
}

func newFakeStatsCache() *fakeStatsCache {
	return &fakeStatsCache{entries: map[string][]byte{}}
}

func (f *fakeStatsCache) Get(ctx context.Context, key string, dest interface{}) error {
	if f.getErr != nil {
		return f.getErr
	}
	data, ok := f.entries[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeStatsCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.entries[key] = data
	return nil
}

// fixture bundles the fakes behind one test server.
type fixture struct {
	notifier *fakeNotifier
	broker   *fakeBroker
	push     *fakePush
	db       *fakePinger
	cache    *fakeStatsCache
	adapters []channels.Adapter
}

func newFixture() *fixture {
	return &fixture{
		notifier: &fakeNotifier{},
		broker:   &fakeBroker{workers: true},
		push:     &fakePush{},
		db:       &fakePinger{},
	}
}

func (f *fixture) server(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text"})
	require.NoError(t, err)
	logger.SetOutput(io.Discard)

	deps := Deps{
		Notifier: f.notifier,
		Broker:   f.broker,
		Adapters: channels.NewRegistry(f.adapters...),
		Push:     f.push,
		DB:       f.db,
		Logger:   logger,
	}
	// A typed nil in the interface would defeat the handler's nil check.
	if f.cache != nil {
		deps.Cache = f.cache
	}

	srv := New(Config{Environment: "test", FrontendURL: "http://localhost:3000"}, deps)
	return srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
