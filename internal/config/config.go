package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime settings loaded from env vars.
type Config struct {
	Port        string
	MetricsPort string
	Environment string
	DatabaseURL string
	FrontendURL string
	SentryDSN   string

	LogLevel    string
	LogFormat   string
	LogOutput   string
	LogFilePath string

	Redis    RedisConfig
	SMTP     SMTPConfig
	Twilio   TwilioConfig
	Firebase FirebaseConfig
	Slack    SlackConfig
	Telegram TelegramConfig
	Worker   WorkerConfig
}

// RedisConfig addresses the broker backend.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port form expected by redis clients.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// SMTPConfig configures the email adapter.
type SMTPConfig struct {
	Host   string
	Port   int
	Secure bool
	User   string
	Pass   string
	From   string
}

// TwilioConfig configures the SMS adapter.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// FirebaseConfig configures the push adapter.
type FirebaseConfig struct {
	ProjectID         string
	ServiceAccountKey string // raw JSON credentials
}

// SlackConfig configures the slack adapter.
type SlackConfig struct {
	BotToken string
}

// TelegramConfig configures the telegram adapter.
type TelegramConfig struct {
	BotToken string
}

// WorkerConfig tunes the delivery pool and the sweeper.
type WorkerConfig struct {
	Concurrency     int
	RateLimitMax    int
	RateLimitWindow time.Duration
	SweepInterval   time.Duration
	StallThreshold  time.Duration
	AdapterTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables.
// Required variables: DATABASE_URL
// Everything else has a default or degrades the owning adapter to
// not_configured.
func Load() Config {
	return Config{
		Port:        envOr("PORT", "3001"),
		MetricsPort: envOr("METRICS_PORT", "9091"),
		Environment: envOr("ENVIRONMENT", "development"),
		DatabaseURL: envRequired("DATABASE_URL"),
		FrontendURL: envOr("FRONTEND_URL", "http://localhost:3000"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		LogOutput:   envOr("LOG_OUTPUT", "stdout"),
		LogFilePath: os.Getenv("LOG_FILE_PATH"),

		Redis: RedisConfig{
			Host:     envOr("REDIS_HOST", "localhost"),
			Port:     envOr("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:   os.Getenv("SMTP_HOST"),
			Port:   envInt("SMTP_PORT", 587),
			Secure: envBool("SMTP_SECURE", false),
			User:   os.Getenv("SMTP_USER"),
			Pass:   os.Getenv("SMTP_PASS"),
			From:   os.Getenv("SMTP_FROM"),
		},
		Twilio: TwilioConfig{
			AccountSID:  os.Getenv("ACCOUNT_SID"),
			AuthToken:   os.Getenv("AUTH_TOKEN"),
			PhoneNumber: os.Getenv("PHONE_NUMBER"),
		},
		Firebase: FirebaseConfig{
			ProjectID:         os.Getenv("PROJECT_ID"),
			ServiceAccountKey: os.Getenv("SERVICE_ACCOUNT_KEY"),
		},
		Slack: SlackConfig{
			BotToken: os.Getenv("SLACK_BOT_TOKEN"),
		},
		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("WORKER_CONCURRENCY", 10),
			RateLimitMax:    envInt("RATE_LIMIT_MAX", 100),
			RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
			SweepInterval:   time.Duration(envInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
			StallThreshold:  time.Duration(envInt("STALL_THRESHOLD_MINUTES", 30)) * time.Minute,
			AdapterTimeout:  time.Duration(envInt("ADAPTER_TIMEOUT_SECONDS", 30)) * time.Second,
			ShutdownTimeout: time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		},
	}
}

// Validate checks that all required configuration is present and valid.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Worker.RateLimitMax < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		// In development, allow empty but warn
		fmt.Printf("WARNING: %s is not set. This is required in production.\n", key)
	}
	return value
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
