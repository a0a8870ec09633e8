// Package asynqbroker implements queue.Broker on top of asynq and Redis.
package asynqbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
)

// Config holds the Redis connection and job retention settings.
type Config struct {
	Redis asynq.RedisClientOpt
	// Retention keeps completed jobs visible on the board.
	Retention       time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Broker is a queue.Broker backed by asynq.
type Broker struct {
	cfg       Config
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       *redis.Client
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	closed    bool
}

var _ queue.Broker = (*Broker)(nil)

// New creates a broker. Connections are established lazily.
func New(cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 8 * time.Second
	}
	return &Broker{
		cfg:       cfg,
		client:    asynq.NewClient(cfg.Redis),
		inspector: asynq.NewInspector(cfg.Redis),
		rdb: redis.NewClient(&redis.Options{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TLSConfig: cfg.Redis.TLSConfig,
		}),
		logger:    cfg.Logger,
		consumers: make(map[string]*consumer),
	}
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	if b.isClosed() {
		return queue.ErrBrokerClosed
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", b.cfg.Redis.Addr, err)
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// enqueueOptions translates job options into asynq task options.
func enqueueOptions(queueName string, opts models.JobOptions, retention time.Duration) []asynq.Option {
	out := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(opts.MaxAttempts() - 1),
	}
	if d := opts.Delay.Duration(); d > 0 {
		out = append(out, asynq.ProcessIn(d))
	}
	if opts.JobID != "" {
		out = append(out, asynq.TaskID(opts.JobID))
	}
	if retention > 0 {
		out = append(out, asynq.Retention(retention))
	}
	return out
}

// Enqueue adds a task of type name to queueName.
func (b *Broker) Enqueue(ctx context.Context, queueName, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, error) {
	if b.isClosed() {
		return nil, queue.ErrBrokerClosed
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal job data: %w", err)
	}

	task := asynq.NewTask(name, payload)
	ti, err := b.client.EnqueueContext(ctx, task, enqueueOptions(queueName, opts, b.cfg.Retention)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil, fmt.Errorf("%w: %s", queue.ErrJobExists, opts.JobID)
		}
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, queueName, err)
	}
	return toJobInfo(ti), nil
}

// knownQueue reports whether asynq has ever seen queueName.
func (b *Broker) knownQueue(queueName string) (bool, error) {
	names, err := b.inspector.Queues()
	if err != nil {
		return false, fmt.Errorf("list queues: %w", err)
	}
	for _, n := range names {
		if n == queueName {
			return true, nil
		}
	}
	return false, nil
}

// Counts returns per-state counts. Queues asynq has not seen yet report zeros.
func (b *Broker) Counts(ctx context.Context, queueName string) (models.QueueCounts, error) {
	counts := models.QueueCounts{Queue: queueName}
	if err := ctx.Err(); err != nil {
		return counts, err
	}
	known, err := b.knownQueue(queueName)
	if err != nil || !known {
		return counts, err
	}
	qi, err := b.inspector.GetQueueInfo(queueName)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return counts, nil
		}
		return counts, fmt.Errorf("queue info %s: %w", queueName, err)
	}
	return toCounts(qi), nil
}

func toCounts(qi *asynq.QueueInfo) models.QueueCounts {
	return models.QueueCounts{
		Queue:     qi.Queue,
		Waiting:   qi.Pending + qi.Aggregating,
		Active:    qi.Active,
		Delayed:   qi.Scheduled,
		Retrying:  qi.Retry,
		Completed: qi.Completed,
		Failed:    qi.Archived,
		Paused:    qi.Paused,
	}
}

// ListJobs lists tasks of queueName in state. page is 1-based.
func (b *Broker) ListJobs(ctx context.Context, queueName string, state models.JobState, page, size int) ([]*models.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	opts := []asynq.ListOption{asynq.Page(page), asynq.PageSize(size)}

	var (
		tasks []*asynq.TaskInfo
		err   error
	)
	switch state {
	case models.StateWaiting:
		tasks, err = b.inspector.ListPendingTasks(queueName, opts...)
	case models.StateActive:
		tasks, err = b.inspector.ListActiveTasks(queueName, opts...)
	case models.StateDelayed:
		tasks, err = b.inspector.ListScheduledTasks(queueName, opts...)
	case models.StateRetrying:
		tasks, err = b.inspector.ListRetryTasks(queueName, opts...)
	case models.StateCompleted:
		tasks, err = b.inspector.ListCompletedTasks(queueName, opts...)
	case models.StateFailed:
		tasks, err = b.inspector.ListArchivedTasks(queueName, opts...)
	default:
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return []*models.JobInfo{}, nil
		}
		return nil, fmt.Errorf("list %s jobs of %s: %w", state, queueName, err)
	}

	out := make([]*models.JobInfo, 0, len(tasks))
	for _, ti := range tasks {
		out = append(out, toJobInfo(ti))
	}
	return out, nil
}

// GetJob returns one task.
func (b *Broker) GetJob(ctx context.Context, queueName, id string) (*models.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ti, err := b.inspector.GetTaskInfo(queueName, id)
	if err != nil {
		return nil, mapInspectorErr(err, queueName, id)
	}
	return toJobInfo(ti), nil
}

// RetryJob moves a scheduled, retry or archived task to pending.
func (b *Broker) RetryJob(ctx context.Context, queueName, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.inspector.RunTask(queueName, id); err != nil {
		return mapInspectorErr(err, queueName, id)
	}
	return nil
}

// DeleteJob deletes a task that is not active.
func (b *Broker) DeleteJob(ctx context.Context, queueName, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.inspector.DeleteTask(queueName, id); err != nil {
		return mapInspectorErr(err, queueName, id)
	}
	return nil
}

// failedPrecondition is the code asynq prints when a task is in the wrong
// state for RunTask or DeleteTask. The Inspector flattens the typed error, so
// only the text survives.
const failedPrecondition = "FAILED_PRECONDITION"

func mapInspectorErr(err error, queueName, id string) error {
	switch {
	case errors.Is(err, asynq.ErrQueueNotFound):
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, queueName)
	case errors.Is(err, asynq.ErrTaskNotFound):
		return fmt.Errorf("%w: %s/%s", queue.ErrJobNotFound, queueName, id)
	case strings.Contains(err.Error(), failedPrecondition):
		return fmt.Errorf("%w: %v", queue.ErrJobState, err)
	default:
		return fmt.Errorf("inspect %s/%s: %w", queueName, id, err)
	}
}

// PauseQueue pauses processing of queueName on every server.
func (b *Broker) PauseQueue(ctx context.Context, queueName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.inspector.PauseQueue(queueName); err != nil {
		return fmt.Errorf("pause %s: %w", queueName, err)
	}
	return nil
}

// ResumeQueue unpauses queueName.
func (b *Broker) ResumeQueue(ctx context.Context, queueName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.inspector.UnpauseQueue(queueName); err != nil {
		return fmt.Errorf("resume %s: %w", queueName, err)
	}
	return nil
}

// Workers lists every asynq server connected to Redis, local or not.
func (b *Broker) Workers(ctx context.Context) ([]models.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	servers, err := b.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	out := make([]models.WorkerInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, toWorkerInfo(s))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

func toWorkerInfo(s *asynq.ServerInfo) models.WorkerInfo {
	queues := make([]string, 0, len(s.Queues))
	for q := range s.Queues {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return models.WorkerInfo{
		ID:          s.ID,
		Host:        s.Host,
		PID:         s.PID,
		Queues:      queues,
		Concurrency: s.Concurrency,
		ActiveJobs:  len(s.ActiveWorkers),
		Status:      s.Status,
		StartedAt:   s.Started,
	}
}

// Close shuts down local consumers and releases Redis connections.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	return errors.Join(b.client.Close(), b.inspector.Close(), b.rdb.Close())
}

// toJobInfo converts an asynq task into the board's view of a job.
func toJobInfo(ti *asynq.TaskInfo) *models.JobInfo {
	info := &models.JobInfo{
		ID:           ti.ID,
		Queue:        ti.Queue,
		Name:         ti.Type,
		State:        mapState(ti.State),
		AttemptsMade: ti.Retried,
		MaxAttempts:  ti.MaxRetry + 1,
		LastError:    ti.LastErr,
		ProcessAt:    ti.NextProcessAt,
	}
	_ = json.Unmarshal(ti.Payload, &info.Data)

	switch ti.State {
	case asynq.TaskStateActive, asynq.TaskStateCompleted, asynq.TaskStateArchived:
		info.AttemptsMade++
	}
	if len(ti.Result) > 0 && json.Valid(ti.Result) {
		info.Result = json.RawMessage(ti.Result)
	}
	switch {
	case !ti.CompletedAt.IsZero():
		t := ti.CompletedAt
		info.FinishedAt = &t
	case ti.State == asynq.TaskStateArchived && !ti.LastFailedAt.IsZero():
		t := ti.LastFailedAt
		info.FinishedAt = &t
	}
	return info
}

func mapState(s asynq.TaskState) models.JobState {
	switch s {
	case asynq.TaskStateActive:
		return models.StateActive
	case asynq.TaskStateScheduled:
		return models.StateDelayed
	case asynq.TaskStateRetry:
		return models.StateRetrying
	case asynq.TaskStateArchived:
		return models.StateFailed
	case asynq.TaskStateCompleted:
		return models.StateCompleted
	default:
		return models.StateWaiting
	}
}

// ------------------------------
// Consumers
// ------------------------------

type consumer struct {
	id     string
	queue  string
	srv    *asynq.Server
	broker *Broker
	once   sync.Once
}

func (c *consumer) ID() string    { return c.id }
func (c *consumer) Queue() string { return c.queue }

func (c *consumer) Stop() {
	c.once.Do(func() {
		c.srv.Shutdown()

		b := c.broker
		b.mu.Lock()
		delete(b.consumers, c.id)
		b.mu.Unlock()
		b.logger.Info("worker stopped", "worker_id", c.id, "queue", c.queue)
	})
}

// Consume starts an asynq server bound to queueName.
func (b *Broker) Consume(ctx context.Context, queueName string, opts queue.ConsumeOptions, h queue.Handler) (queue.Consumer, error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrBrokerClosed
	}

	srv := asynq.NewServer(b.cfg.Redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		BaseContext: func() context.Context { return ctx },
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return models.RetryDelay(n)
		},
		ShutdownTimeout: b.cfg.ShutdownTimeout,
		Logger:          NewLogger(b.logger.With("queue", queueName)),
	})
	if err := srv.Start(asynqHandler(queueName, h)); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", queueName, err)
	}

	c := &consumer{
		id:     uuid.New().String(),
		queue:  queueName,
		srv:    srv,
		broker: b,
	}
	b.consumers[c.id] = c
	b.logger.Info("worker started", "worker_id", c.id, "queue", queueName, "concurrency", concurrency)
	return c, nil
}

// asynqHandler adapts a queue.Handler to asynq.
func asynqHandler(queueName string, h queue.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		var data models.JobData
		if err := json.Unmarshal(t.Payload(), &data); err != nil {
			return fmt.Errorf("decode payload of %s: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		result, err := h(ctx, &queue.Job{
			ID:          id,
			Queue:       queueName,
			Name:        t.Type(),
			Data:        data,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
		})
		if err != nil {
			return err
		}
		if len(result) > 0 {
			if _, err := t.ResultWriter().Write(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		return nil
	})
}
