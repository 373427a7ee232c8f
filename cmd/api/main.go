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
	"golang.org/x/sync/errgroup"

	"github.com/notifyq/notifyq/internal/cache"
	"github.com/notifyq/notifyq/internal/channels"
	"github.com/notifyq/notifyq/internal/config"
	"github.com/notifyq/notifyq/internal/database"
	"github.com/notifyq/notifyq/internal/dispatch"
	"github.com/notifyq/notifyq/internal/httpserver"
	"github.com/notifyq/notifyq/internal/metrics"
	"github.com/notifyq/notifyq/internal/notification"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/telemetry"
)

const dbConnectAttempts = 30

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

	broker := queue.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := broker.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close broker client")
		}
	}()

	statsCache := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := statsCache.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close cache client")
		}
	}()

	// The push adapter is registered unwrapped as well: multicast and
	// topic management live outside the uniform adapter contract.
	push := channels.NewPushAdapter(ctx, channels.PushConfig{
		ProjectID:         cfg.Firebase.ProjectID,
		ServiceAccountKey: cfg.Firebase.ServiceAccountKey,
	})
	registry := buildRegistry(cfg, push)

	recorder := metrics.NewPromRecorder(prometheus.DefaultRegisterer)
	service := dispatch.NewService(
		notification.NewPostgresRepository(db),
		notification.NewPostgresLogRepository(db),
		notification.NewPostgresUserRepository(db),
		broker,
		recorder,
		logger,
	)

	server := httpserver.New(httpserver.Config{
		Environment: cfg.Environment,
		FrontendURL: cfg.FrontendURL,
	}, httpserver.Deps{
		Notifier: service,
		Broker:   broker,
		Adapters: registry,
		Push:     push,
		DB:       db,
		Cache:    statsCache,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Handler(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.WithField("port", cfg.Port).Info("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("HTTP shutdown error")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("Server error")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func buildRegistry(cfg config.Config, push *channels.PushAdapter) *channels.Registry {
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
		channels.WithBreaker(push),
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
