// Package notification holds the persistent model of the dispatch
// pipeline: notification rows, their append-only audit log, and the
// recipient directory used to resolve channel addresses.
//
// Architecture:
//
//	API → Service → Redis queues (urgent/high/normal/low) → Worker → Channel Adapter
//	         ↓                                                ↓
//	 PostgreSQL (notifications)               PostgreSQL (notification_logs)
//
// Usage:
//
//	repo := notification.NewPostgresRepository(db)
//	n := &notification.Notification{
//	    Channel:   notification.ChannelEmail,
//	    Recipient: "ops@example.com",
//	    Subject:   notification.Ptr("Disk alert"),
//	    Content:   "Volume /data is at 92%",
//	    Priority:  notification.PriorityHigh,
//	}
//	id, err := repo.Create(ctx, n)
package notification

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelSlack, ChannelTelegram}

// ValidChannel reports whether s names a supported channel.
func ValidChannel(s string) bool {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelSlack, ChannelTelegram:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "pending"    // Created, not yet handed to the broker
	StatusQueued     Status = "queued"     // Broker job exists, awaiting a worker
	StatusProcessing Status = "processing" // A worker is delivering it right now
	StatusRetrying   Status = "retrying"   // Delayed broker job scheduled after a transient failure
	StatusSent       Status = "sent"       // Delivered; terminal
	StatusFailed     Status = "failed"     // Exhausted retries or permanent rejection; terminal
)

// IsTerminal returns true once a notification can no longer transition.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Priority orders jobs at broker hand-out time. Strict: all eligible
// urgent jobs run before any high job, and so on.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps s to a priority, defaulting unknown values to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// ValidPriority reports whether s names a known priority.
func ValidPriority(s string) bool {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Weight returns the integer encoding used toward the broker:
// urgent=10, high=5, normal=0, low=-5. Unknown values weigh 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return -5
	default:
		return 0
	}
}

// Audit log status tags. Every row status transition writes a log row
// tagged with one of these in the same transaction.
const (
	LogCreated        = "created"
	LogQueued         = "queued"
	LogProcessing     = "processing"
	LogDelivered      = "delivered"
	LogError          = "error"
	LogRetryScheduled = "retry_scheduled"
	LogFailed         = "failed"
	LogStallRecovered = "stall_recovered"
)

// JSONMap is a jsonb column mapped to a generic map.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for database storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// Notification represents a notification record in the database.
// One row per (recipient, channel); multi-channel submissions fan out
// into multiple rows sharing a creation batch.
type Notification struct {
	ID              int64      `json:"id" db:"id"`
	UserID          *int64     `json:"user_id,omitempty" db:"user_id"`
	TemplateID      *int64     `json:"template_id,omitempty" db:"template_id"`
	Channel         Channel    `json:"channel" db:"channel"`
	Recipient       string     `json:"recipient" db:"recipient"`
	Subject         *string    `json:"subject,omitempty" db:"subject"`
	Content         string     `json:"content" db:"content"`
	Status          Status     `json:"status" db:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	RetryCount      int        `json:"retry_count" db:"retry_count"`
	MaxRetries      int        `json:"max_retries" db:"max_retries"`
	Priority        Priority   `json:"priority" db:"priority"`
	ScheduledAt     time.Time  `json:"scheduled_at" db:"scheduled_at"`
	SentAt          *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty" db:"last_processed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Log is one audit trail entry for a notification.
type Log struct {
	ID               int64     `json:"id" db:"id"`
	NotificationID   int64     `json:"notification_id" db:"notification_id"`
	Status           string    `json:"status" db:"status"`
	Message          *string   `json:"message,omitempty" db:"message"`
	ErrorDetails     JSONMap   `json:"error_details,omitempty" db:"error_details"`
	ProviderResponse *string   `json:"provider_response,omitempty" db:"provider_response"`
	Metadata         JSONMap   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// ErrorLog is a log entry joined with its notification's channel and
// recipient, served by the error analytics endpoint.
type ErrorLog struct {
	Log
	Channel   Channel `json:"channel" db:"channel"`
	Recipient string  `json:"recipient" db:"recipient"`
}

// User is a directory entry holding per-channel addresses. The CRUD
// surface lives elsewhere; dispatch only reads it to resolve
// recipients for submissions that name a user instead of an address.
type User struct {
	ID              int64     `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	Name            *string   `json:"name,omitempty" db:"name"`
	Phone           *string   `json:"phone,omitempty" db:"phone"`
	PushToken       *string   `json:"push_token,omitempty" db:"push_token"`
	SlackWebhookURL *string   `json:"slack_webhook_url,omitempty" db:"slack_webhook_url"`
	TelegramChatID  *string   `json:"telegram_chat_id,omitempty" db:"telegram_chat_id"`
	Preferences     JSONMap   `json:"preferences" db:"preferences"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// RecipientFor returns the user's address for the given channel.
func (u *User) RecipientFor(ch Channel) (string, error) {
	var addr *string
	switch ch {
	case ChannelEmail:
		addr = &u.Email
	case ChannelSMS:
		addr = u.Phone
	case ChannelPush:
		addr = u.PushToken
	case ChannelSlack:
		addr = u.SlackWebhookURL
	case ChannelTelegram:
		addr = u.TelegramChatID
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
	if addr == nil || *addr == "" {
		return "", fmt.Errorf("user %d has no %s address", u.ID, ch)
	}
	return *addr, nil
}

// AllowsChannel honors the per-channel opt-out flag in preferences:
// {"email": false} disables email. Channels default to enabled.
func (u *User) AllowsChannel(ch Channel) bool {
	if u.Preferences == nil {
		return true
	}
	if v, ok := u.Preferences[string(ch)]; ok {
		if enabled, ok := v.(bool); ok {
			return enabled
		}
	}
	return true
}

// Filter narrows List queries. Zero values mean "any".
type Filter struct {
	Status   Status
	Channel  Channel
	Priority Priority
	Limit    int
	Offset   int
}

// Stats is the 24 h analytics rollup.
type Stats struct {
	Total       int64            `json:"total"`
	SuccessRate float64          `json:"success_rate"`
	ByStatus    map[string]int64 `json:"by_status"`
	ByChannel   map[string]int64 `json:"by_channel"`
	Hourly      []HourlyBucket   `json:"hourly"`
}

// HourlyBucket counts sent and failed rows created in one hour.
type HourlyBucket struct {
	Hour   time.Time `json:"hour"`
	Sent   int64     `json:"sent"`
	Failed int64     `json:"failed"`
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}
