package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/notifyq/notifyq/internal/errors"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
)

func newTestService(repo *fakeRepo, users *fakeUsers, broker *fakeBroker, recorder *fakeRecorder) *Service {
	if users == nil {
		users = &fakeUsers{}
	}
	return NewService(repo, &fakeLogs{}, users, broker, recorder, testLogger())
}

func TestSendSingleChannel(t *testing.T) {
	repo := newFakeRepo()
	broker := newFakeBroker()
	recorder := newFakeRecorder()
	svc := newTestService(repo, nil, broker, recorder)

	receipt, err := svc.Send(context.Background(), &SendRequest{
		Subject:  "Disk alert",
		Message:  "Volume /data is at 92%",
		Channels: []ChannelTarget{{Type: "email", Recipient: "ops@example.com"}},
		Priority: "high",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.NotificationID)
	assert.Equal(t, []int64{1}, receipt.IDs)

	assert.Equal(t, 1, repo.createCalls)
	assert.Equal(t, 0, repo.createBatchCalls)

	row := repo.rows[1]
	assert.Equal(t, notification.ChannelEmail, row.Channel)
	assert.Equal(t, "ops@example.com", row.Recipient)
	assert.Equal(t, notification.PriorityHigh, row.Priority)
	assert.Equal(t, 5, row.MaxRetries) // email policy budget
	assert.Equal(t, notification.StatusQueued, row.Status)

	require.Len(t, broker.enqueued, 1)
	job := broker.enqueued[0]
	assert.Equal(t, int64(1), job.NotificationID)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, notification.PriorityHigh.Weight(), job.Weight)
	assert.Zero(t, job.Delay)

	assert.Equal(t, []string{"email/high"}, recorder.queued)
}

func TestSendValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{
			name:  "empty message",
			req:   SendRequest{Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}}},
			field: "message",
		},
		{
			name:  "no channels",
			req:   SendRequest{Message: "hi"},
			field: "channels",
		},
		{
			name:  "unknown channel type",
			req:   SendRequest{Message: "hi", Channels: []ChannelTarget{{Type: "fax", Recipient: "x"}}},
			field: "channels[0].type",
		},
		{
			name:  "missing recipient without user",
			req:   SendRequest{Message: "hi", Channels: []ChannelTarget{{Type: "email"}}},
			field: "channels[0].recipient",
		},
		{
			name: "unknown priority",
			req: SendRequest{
				Message:  "hi",
				Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
				Priority: "asap",
			},
			field: "priority",
		},
		{
			name: "negative max retries",
			req: SendRequest{
				Message:    "hi",
				Channels:   []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
				MaxRetries: notification.Ptr(-1),
			},
			field: "maxRetries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			svc := newTestService(repo, nil, newFakeBroker(), newFakeRecorder())

			_, err := svc.Send(context.Background(), &tt.req)

			require.Error(t, err)
			assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Metadata["field"])
			// Nothing persisted on validation failure.
			assert.Zero(t, repo.createCalls)
			assert.Zero(t, repo.createBatchCalls)
		})
	}
}

func TestSendFanOutUsesOneBatch(t *testing.T) {
	repo := newFakeRepo()
	broker := newFakeBroker()
	recorder := newFakeRecorder()
	svc := newTestService(repo, nil, broker, recorder)

	receipt, err := svc.Send(context.Background(), &SendRequest{
		Message: "deploy finished",
		Channels: []ChannelTarget{
			{Type: "email", Recipient: "ops@example.com"},
			{Type: "sms", Recipient: "+15550001111"},
			{Type: "slack", Recipient: "https://hooks.slack.com/services/T/B/x"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, repo.createCalls)
	assert.Equal(t, 1, repo.createBatchCalls)
	assert.Len(t, receipt.IDs, 3)
	assert.Equal(t, receipt.IDs[0], receipt.NotificationID)
	assert.Len(t, broker.enqueued, 3)
	assert.Len(t, recorder.queued, 3)

	// Per-channel budgets differ.
	assert.Equal(t, 5, repo.rows[receipt.IDs[0]].MaxRetries)
	assert.Equal(t, 3, repo.rows[receipt.IDs[1]].MaxRetries)
	assert.Equal(t, 3, repo.rows[receipt.IDs[2]].MaxRetries)
}

func TestSendResolvesRecipientFromUser(t *testing.T) {
	users := &fakeUsers{users: map[int64]*notification.User{
		7: {
			ID:             7,
			Email:          "ada@example.com",
			TelegramChatID: notification.Ptr("123456"),
		},
	}}
	repo := newFakeRepo()
	svc := newTestService(repo, users, newFakeBroker(), newFakeRecorder())

	receipt, err := svc.Send(context.Background(), &SendRequest{
		UserID:  notification.Ptr(int64(7)),
		Message: "hello",
		Channels: []ChannelTarget{
			{Type: "email"},
			{Type: "telegram"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", repo.rows[receipt.IDs[0]].Recipient)
	assert.Equal(t, "123456", repo.rows[receipt.IDs[1]].Recipient)
}

func TestSendUserWithoutAddressRejected(t *testing.T) {
	users := &fakeUsers{users: map[int64]*notification.User{
		7: {ID: 7, Email: "ada@example.com"},
	}}
	svc := newTestService(newFakeRepo(), users, newFakeBroker(), newFakeRecorder())

	_, err := svc.Send(context.Background(), &SendRequest{
		UserID:   notification.Ptr(int64(7)),
		Message:  "hello",
		Channels: []ChannelTarget{{Type: "sms"}},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestSendUnknownUserRejected(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeUsers{}, newFakeBroker(), newFakeRecorder())

	_, err := svc.Send(context.Background(), &SendRequest{
		UserID:   notification.Ptr(int64(99)),
		Message:  "hello",
		Channels: []ChannelTarget{{Type: "email"}},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestSendSkipsChannelsDisabledByPreference(t *testing.T) {
	users := &fakeUsers{users: map[int64]*notification.User{
		7: {
			ID:          7,
			Email:       "ada@example.com",
			Phone:       notification.Ptr("+15550001111"),
			Preferences: notification.JSONMap{"sms": false},
		},
	}}
	repo := newFakeRepo()
	svc := newTestService(repo, users, newFakeBroker(), newFakeRecorder())

	receipt, err := svc.Send(context.Background(), &SendRequest{
		UserID:  notification.Ptr(int64(7)),
		Message: "hello",
		Channels: []ChannelTarget{
			{Type: "email"},
			{Type: "sms"},
		},
	})

	require.NoError(t, err)
	require.Len(t, receipt.IDs, 1)
	assert.Equal(t, notification.ChannelEmail, repo.rows[receipt.IDs[0]].Channel)
}

func TestSendAllChannelsDisabledRejected(t *testing.T) {
	users := &fakeUsers{users: map[int64]*notification.User{
		7: {ID: 7, Email: "ada@example.com", Preferences: notification.JSONMap{"email": false}},
	}}
	svc := newTestService(newFakeRepo(), users, newFakeBroker(), newFakeRecorder())

	_, err := svc.Send(context.Background(), &SendRequest{
		UserID:   notification.Ptr(int64(7)),
		Message:  "hello",
		Channels: []ChannelTarget{{Type: "email"}},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestSendRendersTemplates(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil, newFakeBroker(), newFakeRecorder())

	receipt, err := svc.Send(context.Background(), &SendRequest{
		Subject:  "Hi {{name}}",
		Message:  "Your order {{order}} shipped, {{name}}.",
		Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
		Metadata: map[string]interface{}{"name": "Ada", "order": 42},
	})

	require.NoError(t, err)
	row := repo.rows[receipt.NotificationID]
	require.NotNil(t, row.Subject)
	assert.Equal(t, "Hi Ada", *row.Subject)
	assert.Equal(t, "Your order 42 shipped, Ada.", row.Content)
}

func TestSendHonorsExplicitMaxRetries(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil, newFakeBroker(), newFakeRecorder())

	receipt, err := svc.Send(context.Background(), &SendRequest{
		Message:    "one shot",
		Channels:   []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
		MaxRetries: notification.Ptr(0),
	})

	require.NoError(t, err)
	assert.Equal(t, 0, repo.rows[receipt.NotificationID].MaxRetries)
}

func TestSendScheduledInFutureDelaysJob(t *testing.T) {
	repo := newFakeRepo()
	broker := newFakeBroker()
	svc := newTestService(repo, nil, broker, newFakeRecorder())

	at := time.Now().Add(time.Hour)
	receipt, err := svc.Send(context.Background(), &SendRequest{
		Message:     "reminder",
		Channels:    []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
		ScheduledAt: &at,
	})

	require.NoError(t, err)
	assert.Equal(t, at, repo.rows[receipt.NotificationID].ScheduledAt)
	require.Len(t, broker.enqueued, 1)
	assert.InDelta(t, time.Hour.Seconds(), broker.enqueued[0].Delay.Seconds(), 5)
}

func TestSendPastScheduleIsImmediate(t *testing.T) {
	broker := newFakeBroker()
	svc := newTestService(newFakeRepo(), nil, broker, newFakeRecorder())

	at := time.Now().Add(-time.Hour)
	_, err := svc.Send(context.Background(), &SendRequest{
		Message:     "late",
		Channels:    []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
		ScheduledAt: &at,
	})

	require.NoError(t, err)
	require.Len(t, broker.enqueued, 1)
	assert.Zero(t, broker.enqueued[0].Delay)
}

func TestSendBrokerOutageLeavesRowsPending(t *testing.T) {
	repo := newFakeRepo()
	broker := newFakeBroker()
	broker.enqueueErr = errors.New("dial tcp: connection refused")
	recorder := newFakeRecorder()
	svc := newTestService(repo, nil, broker, recorder)

	_, err := svc.Send(context.Background(), &SendRequest{
		Message:  "hi",
		Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeBroker))
	// The row exists and stays pending for the sweeper.
	require.Len(t, repo.rows, 1)
	assert.Equal(t, notification.StatusPending, repo.rows[1].Status)
	assert.Empty(t, recorder.queued)
}

func TestSendPersistenceFailureCreatesNothing(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("connection refused")
	broker := newFakeBroker()
	svc := newTestService(repo, nil, broker, newFakeRecorder())

	_, err := svc.Send(context.Background(), &SendRequest{
		Message:  "hi",
		Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypePersistence))
	assert.Empty(t, broker.enqueued)
}

func TestSendBulkMixedResults(t *testing.T) {
	repo := newFakeRepo()
	broker := newFakeBroker()
	svc := newTestService(repo, nil, broker, newFakeRecorder())

	items, err := svc.SendBulk(context.Background(), []SendRequest{
		{Message: "a", Channels: []ChannelTarget{{Type: "email", Recipient: "a@b.c"}}},
		{Message: ""}, // invalid
		{Message: "c", Channels: []ChannelTarget{
			{Type: "slack", Recipient: "https://hooks.slack.com/services/T/B/x"},
			{Type: "telegram", Recipient: "42"},
		}},
	})

	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.True(t, items[0].Success)
	assert.Len(t, items[0].IDs, 1)

	assert.False(t, items[1].Success)
	assert.NotEmpty(t, items[1].Error)

	assert.True(t, items[2].Success)
	assert.Len(t, items[2].IDs, 2)
	assert.Equal(t, items[2].IDs[0], items[2].NotificationID)

	// One transaction, one bulk enqueue for the whole batch.
	assert.Equal(t, 1, repo.createBatchCalls)
	assert.Equal(t, 0, repo.createCalls)
	assert.Len(t, broker.enqueued, 3)
}

func TestSendBulkEmptyRejected(t *testing.T) {
	svc := newTestService(newFakeRepo(), nil, newFakeBroker(), newFakeRecorder())

	_, err := svc.SendBulk(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestSendBulkAllInvalidRejected(t *testing.T) {
	svc := newTestService(newFakeRepo(), nil, newFakeBroker(), newFakeRecorder())

	_, err := svc.SendBulk(context.Background(), []SendRequest{{Message: ""}})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestRetryNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), nil, newFakeBroker(), newFakeRecorder())

	err := svc.Retry(context.Background(), 42, false)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}

func TestRetryDeliveredRowConflicts(t *testing.T) {
	row := queuedRow(1, notification.ChannelEmail, 5)
	row.Status = notification.StatusSent
	svc := newTestService(newFakeRepo(row), nil, newFakeBroker(), newFakeRecorder())

	err := svc.Retry(context.Background(), 1, false)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeConflict))
}

func TestRetryFailedRowKeepsAttemptCounter(t *testing.T) {
	row := queuedRow(1, notification.ChannelEmail, 5)
	row.Status = notification.StatusFailed
	row.RetryCount = 3
	repo := newFakeRepo(row)
	broker := newFakeBroker()
	svc := newTestService(repo, nil, broker, newFakeRecorder())

	require.NoError(t, svc.Retry(context.Background(), 1, false))

	assert.Zero(t, repo.resetCalls)
	require.Len(t, broker.requeued, 1)
	assert.Equal(t, 3, broker.requeued[0].Attempt)
	assert.Contains(t, repo.transitions, "1:queued")
}

func TestRetryResetsAttemptCounter(t *testing.T) {
	row := queuedRow(1, notification.ChannelEmail, 5)
	row.Status = notification.StatusFailed
	row.RetryCount = 5
	repo := newFakeRepo(row)
	broker := newFakeBroker()
	svc := newTestService(repo, nil, broker, newFakeRecorder())

	require.NoError(t, svc.Retry(context.Background(), 1, true))

	assert.Equal(t, 1, repo.resetCalls)
	require.Len(t, broker.requeued, 1)
	assert.Equal(t, 0, broker.requeued[0].Attempt)
}

func TestRetryBrokerDown(t *testing.T) {
	row := queuedRow(1, notification.ChannelEmail, 5)
	row.Status = notification.StatusFailed
	broker := newFakeBroker()
	broker.requeueErr = errors.New("redis unavailable")
	svc := newTestService(newFakeRepo(row), nil, broker, newFakeRecorder())

	err := svc.Retry(context.Background(), 1, false)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeBroker))
}

func TestStatusNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), nil, newFakeBroker(), newFakeRecorder())

	_, err := svc.Status(context.Background(), 9)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}

func TestListForUserPaging(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil, newFakeBroker(), newFakeRecorder())

	_, _, err := svc.ListForUser(context.Background(), 7, 2, 10)
	require.NoError(t, err)
	assert.Contains(t, repo.transitions, "list_by_user:7:10:10")

	_, _, err = svc.ListForUser(context.Background(), 7, 0, 0)
	require.NoError(t, err)
	assert.Contains(t, repo.transitions, "list_by_user:7:20:0")
}

func TestJobForAttemptTracksRetryCount(t *testing.T) {
	n := queuedRow(4, notification.ChannelSMS, 3)
	n.RetryCount = 2
	n.Priority = notification.PriorityLow

	job := jobFor(n)
	assert.Equal(t, int64(4), job.NotificationID)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, queue.QueueLow, queue.QueueForWeight(job.Weight))
}
