// Package httpserver exposes the HTTP control plane: notification
// submission and inspection, queue administration, analytics, direct
// per-channel sends and the health/metrics endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/dispatch"
	"github.com/notifyq/notifyq/internal/middleware"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

// NotificationService is the submission and read surface the API
// forwards to. *dispatch.Service implements it.
type NotificationService interface {
	Send(ctx context.Context, req *dispatch.SendRequest) (*dispatch.SendReceipt, error)
	SendBulk(ctx context.Context, reqs []dispatch.SendRequest) ([]dispatch.BulkItem, error)
	Retry(ctx context.Context, id int64, resetRetryCount bool) error
	Status(ctx context.Context, id int64) (*notification.Notification, error)
	ListForUser(ctx context.Context, userID int64, page, limit int) ([]*notification.Notification, int64, error)
	Analytics(ctx context.Context) (*notification.Stats, error)
	RecentLogs(ctx context.Context, limit int) ([]*notification.Log, error)
	ErrorLogs(ctx context.Context, limit int) ([]*notification.ErrorLog, error)
}

// PushSender covers the FCM operations that exist beyond the uniform
// adapter contract. *channels.PushAdapter implements it.
type PushSender interface {
	SendMulticast(ctx context.Context, tokens []string, subject, content string, metadata map[string]interface{}) (*channels.MulticastResult, error)
	SendToTopic(ctx context.Context, topic, subject, content string, metadata map[string]interface{}) (*channels.SendResult, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*channels.TopicResult, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*channels.TopicResult, error)
}

// Pinger is a liveness probe. *database.DB implements it.
type Pinger interface {
	Health(ctx context.Context) error
}

// StatsCache short-circuits repeated analytics rollups. *cache.Cache
// implements it; a nil cache disables caching.
type StatsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config carries the server-level settings.
type Config struct {
	Environment string
	FrontendURL string
}

// Deps bundles everything the handlers call into.
type Deps struct {
	Notifier NotificationService
	Broker   queue.Broker
	Adapters *channels.Registry
	Push     PushSender
	DB       Pinger
	Cache    StatsCache
	Logger   *telemetry.Logger
}

// Server owns the gin engine and its handler dependencies.
type Server struct {
	cfg      Config
	notifier NotificationService
	broker   queue.Broker
	adapters *channels.Registry
	push     PushSender
	db       Pinger
	cache    StatsCache
	logger   *telemetry.Logger
	engine   *gin.Engine
	started  time.Time
}

// New builds the engine with middleware and the full route table.
func New(cfg Config, deps Deps) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		notifier: deps.Notifier,
		broker:   deps.Broker,
		adapters: deps.Adapters,
		push:     deps.Push,
		db:       deps.DB,
		cache:    deps.Cache,
		logger:   deps.Logger,
		engine:   gin.New(),
		started:  time.Now(),
	}

	s.engine.Use(middleware.Recovery(s.logger))
	s.engine.Use(middleware.RequestLogging(s.logger, "/health", "/metrics"))
	s.engine.Use(middleware.CORS(cfg.FrontendURL))

	s.routes()
	return s
}

// Handler returns the engine for use in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")

	n := api.Group("/notifications")
	n.POST("/send", s.sendNotification)
	n.POST("/send-bulk", s.sendBulk)
	n.GET("/:id/status", s.notificationStatus)
	n.GET("/user/:userId", s.userNotifications)
	n.POST("/:id/retry", s.retryNotification)

	q := api.Group("/queue")
	q.GET("/stats", s.queueStats)
	q.GET("/health", s.queueHealth)
	q.POST("/pause", s.pauseQueues)
	q.POST("/resume", s.resumeQueues)
	q.POST("/clear-failed", s.clearFailed)
	q.POST("/retry-failed", s.retryFailed)

	api.GET("/analytics", s.analytics)
	api.GET("/analytics/errors", s.errorLogs)
	api.GET("/analytics/logs", s.recentLogs)

	email := api.Group("/email")
	email.POST("/send", s.sendEmail)
	email.GET("/verify", s.verifyChannel("email"))
	email.GET("/status", s.channelStatus("email"))

	sms := api.Group("/sms")
	sms.POST("/send", s.sendSMS)
	sms.GET("/verify", s.verifyChannel("sms"))
	sms.GET("/status", s.channelStatus("sms"))

	push := api.Group("/push")
	push.POST("/send", s.sendPush)
	push.POST("/send-multicast", s.sendPushMulticast)
	push.POST("/send-topic", s.sendPushTopic)
	push.POST("/subscribe-topic", s.subscribeTopic)
	push.POST("/unsubscribe-topic", s.unsubscribeTopic)
	push.GET("/verify", s.verifyChannel("push"))
	push.GET("/status", s.channelStatus("push"))

	slack := api.Group("/slack")
	slack.POST("/send", s.sendSlack)
	slack.GET("/verify", s.verifyChannel("slack"))
	slack.GET("/status", s.channelStatus("slack"))

	telegram := api.Group("/telegram")
	telegram.POST("/send", s.sendTelegram)
	telegram.GET("/verify", s.verifyChannel("telegram"))
	telegram.GET("/status", s.channelStatus("telegram"))
}
