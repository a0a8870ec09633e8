// Package server assembles the board's HTTP server from its parts.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/athulya-anil/axon-board/pkg/api"
	"github.com/athulya-anil/axon-board/pkg/auth"
	"github.com/athulya-anil/axon-board/pkg/board"
	"github.com/athulya-anil/axon-board/pkg/config"
	"github.com/athulya-anil/axon-board/pkg/dashboard"
	"github.com/athulya-anil/axon-board/pkg/jobstore"
	"github.com/athulya-anil/axon-board/pkg/queue"
	"github.com/athulya-anil/axon-board/pkg/queue/asynqbroker"
	"github.com/athulya-anil/axon-board/pkg/worker"
)

// ServiceName identifies the server in logs and traces.
const ServiceName = "axon-board"

// Server owns the HTTP listener and everything behind it.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	engine  *gin.Engine
	http    *http.Server
	broker  queue.Broker
	store   jobstore.Backend
	queues  *board.Registry
	manager *worker.Manager
}

// NewBroker opens the queue backend selected by cfg.QueueBackend.
func NewBroker(cfg config.Config, logger *slog.Logger) queue.Broker {
	if cfg.QueueBackend == config.BackendMemory {
		return queue.NewMemoryBroker(
			queue.WithLogger(logger),
		)
	}
	return asynqbroker.New(asynqbroker.Config{
		Redis:           cfg.RedisOpt(),
		Retention:       cfg.JobRetention,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
}

// NewJobStore opens where processors report progress and logs. The Redis
// backend keeps them in Redis so the board sees jobs run by any process.
func NewJobStore(cfg config.Config) (jobstore.Backend, error) {
	if cfg.QueueBackend == config.BackendRedis {
		return jobstore.NewRedisStore(redis.NewClient(cfg.RedisOptions()), cfg.JobRetention), nil
	}
	store, err := jobstore.Open(cfg.JobStorePath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

// New wires the broker, job store, processors, login and routes.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := NewJobStore(cfg)
	if err != nil {
		return nil, err
	}

	creds, err := newCredentials(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	secret := cfg.SessionSecret
	if secret == "" {
		if secret, err = auth.RandomSecret(); err != nil {
			store.Close()
			return nil, err
		}
		logger.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}
	sessions, err := auth.NewSessions(secret, cfg.SessionTTL, false)
	if err != nil {
		store.Close()
		return nil, err
	}

	broker := NewBroker(cfg, logger.With("component", "broker"))
	queues := board.NewDefaultRegistry()

	processor := worker.NewProcessor(store, broker, board.ErrorQueue, logger.With("component", "processor"))
	manager := worker.NewManager(broker, processor.Handle, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		ReadyTimeout: cfg.ReadyTimeout,
		Logger:       logger.With("component", "workers"),
	})

	dash, err := dashboard.NewDashboard(dashboard.Config{
		Broker:      broker,
		Queues:      queues,
		Store:       store,
		Credentials: creds,
		Sessions:    sessions,
		Logger:      logger.With("component", "dashboard"),
	})
	if err != nil {
		broker.Close()
		store.Close()
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(ServiceName))
	engine.Use(requestLogger(logger))

	httpAPI := api.NewAPI(broker, queues, manager, store, logger.With("component", "api"))
	httpAPI.StartTimeout = cfg.ReadyTimeout
	httpAPI.SetupRoutes(engine)
	dash.SetupRoutes(engine)

	// Cancelled on shutdown so event streams end instead of holding it up.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	return &Server{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		broker:  broker,
		store:   store,
		queues:  queues,
		manager: manager,
		http:    httpServer,
	}, nil
}

func newCredentials(cfg config.Config) (*auth.Credentials, error) {
	if cfg.BoardPasswordHash != "" {
		return auth.NewCredentialsFromHash(cfg.BoardUser, cfg.BoardPasswordHash)
	}
	return auth.NewCredentials(cfg.BoardUser, cfg.BoardPassword)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start attaches the default processor to the example queue. It blocks until
// the queue backend is reachable or the ready timeout passes.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.manager.Start(ctx, board.ExampleQueue); err != nil {
		return fmt.Errorf("start %s processor: %w", board.ExampleQueue, err)
	}
	return nil
}

// Run starts the default processor, serves HTTP until ctx is cancelled and
// then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Close()
		return err
	}

	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves HTTP on lis until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logUsage(lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(lis)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := nilOnClosed(s.http.Shutdown(shutdownCtx))
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func nilOnClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the processors, then the broker, then the job store.
func (s *Server) Close() error {
	s.manager.Shutdown()
	err := s.broker.Close()
	if serr := s.store.Close(); err == nil {
		err = serr
	}
	return err
}

func (s *Server) logUsage(addr string) {
	s.logger.Info("server listening", "addr", addr, "backend", s.cfg.QueueBackend)
	if s.cfg.QueueBackend == config.BackendRedis {
		s.logger.Info("make sure Redis is running", "redis", s.cfg.RedisAddr())
	}
	base := "http://" + addr
	s.logger.Info("for the UI, open " + base + "/ui")
	s.logger.Info("to populate the queue, run: curl -X POST " + base +
		`/jobs -H 'Content-Type: application/json' -d '{"title":"Example","queueName":"` + board.ExampleQueue + `"}'`)
	s.logger.Info("to add a delayed job, run: curl -X POST " + base +
		`/jobs -d 'title=Test&queueName=` + board.ExampleQueue + `&opts[delay]=9'`)
}

// requestLogger logs every request once it completes.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case c.Writer.Status() >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_ip", c.ClientIP()),
		)
	}
}
