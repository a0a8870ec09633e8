// Package worker runs job processors against a queue broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/athulya-anil/axon-board/pkg/queue"
)

var (
	// ErrNotReady is returned when the broker stays unreachable.
	ErrNotReady = errors.New("queue backend not ready")
	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("worker manager stopped")
)

// Config tunes a Manager.
type Config struct {
	Concurrency  int
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Manager starts and stops consumers, any number per queue.
type Manager struct {
	broker  queue.Broker
	handler queue.Handler
	cfg     Config

	mu        sync.Mutex
	consumers map[string][]queue.Consumer
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager that runs handler on every consumer it starts.
func NewManager(broker queue.Broker, handler queue.Handler, cfg Config) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		broker:    broker,
		handler:   handler,
		cfg:       cfg,
		consumers: make(map[string][]queue.Consumer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WaitReady blocks until the broker answers a ping, retrying with exponential
// backoff for at most the configured ready timeout.
func (m *Manager) WaitReady(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.broker.Ping(ctx)
		if errors.Is(err, queue.ErrBrokerClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(m.cfg.ReadyTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.cfg.Logger.Warn("queue backend not reachable yet", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// Start waits for the broker and attaches a new consumer to queueName. ctx
// bounds only the wait; the consumer lives until StopQueue or Shutdown.
func (m *Manager) Start(ctx context.Context, queueName string) (queue.Consumer, error) {
	if m.isStopped() {
		return nil, ErrStopped
	}
	if err := m.WaitReady(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}

	c, err := m.broker.Consume(m.ctx, queueName, queue.ConsumeOptions{Concurrency: m.cfg.Concurrency}, m.handler)
	if err != nil {
		return nil, err
	}
	m.consumers[queueName] = append(m.consumers[queueName], c)
	m.cfg.Logger.Info("processor attached", "queue", queueName, "worker_id", c.ID(),
		"workers_on_queue", len(m.consumers[queueName]))
	return c, nil
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// StopQueue stops every consumer on queueName and returns how many ran.
func (m *Manager) StopQueue(queueName string) int {
	m.mu.Lock()
	cs := m.consumers[queueName]
	delete(m.consumers, queueName)
	m.mu.Unlock()

	for _, c := range cs {
		c.Stop()
	}
	return len(cs)
}

// Count returns the number of consumers on queueName.
func (m *Manager) Count(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers[queueName])
}

// Shutdown stops all consumers. Start fails afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	all := m.consumers
	m.consumers = make(map[string][]queue.Consumer)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cs := range all {
		for _, c := range cs {
			wg.Add(1)
			go func(c queue.Consumer) {
				defer wg.Done()
				c.Stop()
			}(c)
		}
	}
	wg.Wait()
	m.cancel()
	m.cfg.Logger.Info("all processors stopped")
}
