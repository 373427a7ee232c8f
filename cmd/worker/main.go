package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/config"
	"github.com/notifyq/notifyq/internal/database"
	"github.com/notifyq/notifyq/internal/dispatch"
	"github.com/notifyq/notifyq/internal/metrics"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

const (
	dbConnectAttempts = 30
	healthInterval    = 30 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logCfg := &telemetry.LogConfig{
		Level:    telemetry.LogLevel(cfg.LogLevel),
		Format:   cfg.LogFormat,
		Output:   cfg.LogOutput,
		FilePath: cfg.LogFilePath,
	}
	if err := telemetry.InitGlobalLogger(logCfg); err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	logger := telemetry.GetGlobalLogger()

	if err := telemetry.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry initialization failed")
	}
	defer telemetry.FlushSentry(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := connectWithRetry(logger, cfg.DatabaseURL)
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	if err := database.Migrate(ctx, db); err != nil {
		logger.WithError(err).Fatal("Schema migration failed")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	broker := queue.NewClient(redisOpt)
	defer func() {
		if err := broker.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close broker client")
		}
	}()

	registry := buildRegistry(ctx, cfg)
	recorder := metrics.NewPromRecorder(prometheus.DefaultRegisterer)

	repo := notification.NewPostgresRepository(db)
	logs := notification.NewPostgresLogRepository(db)

	dispatcher := dispatch.NewDispatcher(repo, logs, broker, registry, recorder, logger, dispatch.DispatcherConfig{
		AdapterTimeout:  cfg.Worker.AdapterTimeout,
		RateLimitMax:    cfg.Worker.RateLimitMax,
		RateLimitWindow: cfg.Worker.RateLimitWindow,
	})
	sweeper := dispatch.NewSweeper(repo, logs, broker, recorder, logger, dispatch.SweeperConfig{
		StallThreshold: cfg.Worker.StallThreshold,
	})

	srv, err := queue.NewServer(redisOpt, queue.ServerConfig{
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		SweepInterval:   cfg.Worker.SweepInterval,
		Logger:          logger.Logger,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.WithError(err).WithField("task", task.Type()).Error("Task processing failed")
			telemetry.CaptureError(err, map[string]string{"component": "worker", "task": task.Type()}, nil)
		}),
	})
	if err != nil {
		logger.WithError(err).Fatal("Worker server init failed")
	}

	srv.HandleFunc(queue.TaskDeliver, dispatcher.HandleDeliver)
	srv.HandleFunc(queue.TaskSweep, sweeper.HandleSweep)

	if err := srv.Start(); err != nil {
		logger.WithError(err).Fatal("Worker server failed to start")
	}
	logger.WithFields(logrus.Fields{
		"concurrency": cfg.Worker.Concurrency,
		"queues":      queue.QueueNames(),
	}).Info("Worker started")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("port", cfg.MetricsPort).Info("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(groupCtx, 5*time.Second)
				err := broker.Health(pingCtx)
				cancel()
				if err != nil {
					logger.WithError(err).Error("Broker ping failed")
				}
				if !srv.IsRunning() {
					logger.Error("Worker pool stopped processing")
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()

		// Drains in-flight handlers up to the asynq shutdown timeout.
		srv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("Worker error")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func buildRegistry(ctx context.Context, cfg config.Config) *channels.Registry {
	return channels.NewRegistry(
		channels.WithBreaker(channels.NewEmailAdapter(channels.EmailConfig{
			Host:    cfg.SMTP.Host,
			Port:    cfg.SMTP.Port,
			Secure:  cfg.SMTP.Secure,
			User:    cfg.SMTP.User,
			Pass:    cfg.SMTP.Pass,
			From:    cfg.SMTP.From,
			Timeout: cfg.Worker.AdapterTimeout,
		})),
		channels.WithBreaker(channels.NewSMSAdapter(channels.SMSConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.PhoneNumber,
			Timeout:    cfg.Worker.AdapterTimeout,
		})),
		channels.WithBreaker(channels.NewPushAdapter(ctx, channels.PushConfig{
			ProjectID:         cfg.Firebase.ProjectID,
			ServiceAccountKey: cfg.Firebase.ServiceAccountKey,
		})),
		channels.WithBreaker(channels.NewSlackAdapter(channels.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			Timeout:  cfg.Worker.AdapterTimeout,
		})),
		channels.WithBreaker(channels.NewTelegramAdapter(channels.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			Timeout:  cfg.Worker.AdapterTimeout,
		})),
	)
}

func connectWithRetry(logger *telemetry.Logger, dsn string) *database.DB {
	var db *database.DB
	var err error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		db, err = database.NewInstrumentedConnection(dsn)
		if err == nil {
			return db
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Waiting for database")
		time.Sleep(time.Second)
	}
	logger.WithError(err).Fatalf("Database unreachable after %d attempts", dbConnectAttempts)
	return nil
}
