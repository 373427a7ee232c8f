package queue

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ServerConfig configures the consuming side of the broker.
type ServerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
	Logger          *logrus.Logger
	ErrorHandler    asynq.ErrorHandler
}

// Server consumes delivery tasks. It owns the asynq server, the task
// mux and the scheduler that fires the periodic sweep.
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	isRunning atomic.Bool
}

// NewServer builds the worker server. Queues are consumed in strict
// priority order: urgent drains before high, high before normal,
// normal before low.
func NewServer(opt asynq.RedisClientOpt, cfg ServerConfig) (*Server, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	asynqCfg := asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          Queues(),
		StrictPriority:  true,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.Logger != nil {
		asynqCfg.Logger = cfg.Logger
	}
	if cfg.ErrorHandler != nil {
		asynqCfg.ErrorHandler = cfg.ErrorHandler
	}

	// The sweep rides the urgent queue so strict priority cannot
	// starve stall recovery during sustained load.
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: cfg.Logger})
	spec := fmt.Sprintf("@every %ds", int(cfg.SweepInterval.Seconds()))
	if _, err := scheduler.Register(spec, asynq.NewTask(TaskSweep, nil), asynq.Queue(QueueUrgent)); err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
	}

	return &Server{
		server:    asynq.NewServer(opt, asynqCfg),
		scheduler: scheduler,
		mux:       asynq.NewServeMux(),
	}, nil
}

// HandleFunc registers a handler for a task type. Must be called
// before Start.
func (s *Server) HandleFunc(taskType string, handler asynq.HandlerFunc) {
	s.mux.HandleFunc(taskType, handler)
}

// Start launches the scheduler and the task processors. Non-blocking.
func (s *Server) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := s.server.Start(s.mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	s.isRunning.Store(true)
	return nil
}

// Shutdown stops the scheduler and waits for in-flight tasks up to
// the configured shutdown timeout.
func (s *Server) Shutdown() {
	s.isRunning.Store(false)
	s.scheduler.Shutdown()
	s.server.Shutdown()
}

// IsRunning reports whether the server is accepting tasks.
func (s *Server) IsRunning() bool {
	return s.isRunning.Load()
}
