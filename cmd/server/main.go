package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athulya-anil/axon-board/pkg/config"
	"github.com/athulya-anil/axon-board/pkg/server"
	"github.com/athulya-anil/axon-board/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, server.ServiceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if shutdownTracing == nil {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces failed", "error", err)
		}
	}()

	logger.Info("starting axon-board", "addr", cfg.Addr(), "backend", cfg.QueueBackend)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("build server failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
