package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service reported by worker processes.
const ServiceName = "axon.board.Worker"

// Pinger is the part of queue.Broker the health reporter needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter periodically pings the queue backend and publishes the
// result on a gRPC health server.
type HealthReporter struct {
	pinger   Pinger
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthReporter creates a reporter. The server starts out NOT_SERVING.
func NewHealthReporter(p Pinger, server *health.Server, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthReporter{
		pinger:   p,
		server:   server,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.publish(false)
	return h
}

// Start runs one check immediately and then one per interval.
func (h *HealthReporter) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.Check()
	go h.heartbeatLoop()

	h.logger.Info("health reporter started", "interval", h.interval)
}

// Stop ends the loop and marks the service NOT_SERVING.
func (h *HealthReporter) Stop() {
	h.cancel()
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		<-h.done
	}
	h.server.Shutdown()
}

func (h *HealthReporter) heartbeatLoop() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Check pings the backend once and publishes the result.
func (h *HealthReporter) Check() bool {
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()

	err := h.pinger.Ping(ctx)
	serving := err == nil

	h.mu.Lock()
	changed := serving != h.serving
	h.mu.Unlock()

	if changed {
		if serving {
			h.logger.Info("queue backend reachable, serving")
		} else {
			h.logger.Warn("queue backend unreachable, not serving", "error", err)
		}
	}
	h.publish(serving)
	return serving
}

func (h *HealthReporter) publish(serving bool) {
	h.mu.Lock()
	h.serving = serving
	h.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}
