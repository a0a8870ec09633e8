package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/athulya-anil/axon-board/pkg/board"
	"github.com/athulya-anil/axon-board/pkg/config"
	"github.com/athulya-anil/axon-board/pkg/server"
	"github.com/athulya-anil/axon-board/pkg/telemetry"
	"github.com/athulya-anil/axon-board/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.QueueBackend != config.BackendRedis {
		return fmt.Errorf("worker processes need QUEUE_BACKEND=%s, got %q", config.BackendRedis, cfg.QueueBackend)
	}
	if len(cfg.WorkerQueues) == 0 {
		return errors.New("WORKER_QUEUES is empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	workerID := "worker-" + hostname
	logger = logger.With("worker", workerID)

	shutdownTracing, err := telemetry.Setup(ctx, "axon-board-worker", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	store, err := server.NewJobStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := server.NewBroker(cfg, logger.With("component", "broker"))
	defer broker.Close()

	processor := worker.NewProcessor(store, broker, board.ErrorQueue, logger.With("component", "processor"))
	manager := worker.NewManager(broker, processor.Handle, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		ReadyTimeout: cfg.ReadyTimeout,
		Logger:       logger,
	})
	defer manager.Shutdown()

	// Start gRPC health server
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerGRPCPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reporter := worker.NewHealthReporter(broker, healthServer, 5*time.Second, logger)

	logger.Info("starting worker", "queues", cfg.WorkerQueues, "redis", cfg.RedisAddr(),
		"concurrency", cfg.WorkerConcurrency, "grpc_port", cfg.WorkerGRPCPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		for _, name := range cfg.WorkerQueues {
			if _, err := manager.Start(gctx, name); err != nil {
				return fmt.Errorf("start %s processor: %w", name, err)
			}
		}
		reporter.Start()
		logger.Info("worker ready", "queues", cfg.WorkerQueues)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		reporter.Stop()
		manager.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
