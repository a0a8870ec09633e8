package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/google/uuid"
)

// DefaultFinishedLimit bounds how many completed or failed jobs a memory
// queue keeps.
const DefaultFinishedLimit = 1000

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	consumers map[string]*memConsumer
	seq       uint64
	closed    bool

	now           func() time.Time
	retryDelay    func(n int) time.Duration
	finishedLimit int
	logger        *slog.Logger
	host          string
}

type memQueue struct {
	name     string
	schedule *PriorityQueue
	jobs     map[string]*memJob
	finished []string
	paused   bool
	// wake is closed and replaced whenever consumers should re-check the queue.
	wake chan struct{}
}

type memJob struct {
	info models.JobInfo
	seq  uint64
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithRetryDelay overrides models.RetryDelay.
func WithRetryDelay(fn func(n int) time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.retryDelay = fn }
}

// WithFinishedLimit sets how many finished jobs each queue retains.
func WithFinishedLimit(n int) MemoryOption {
	return func(b *MemoryBroker) { b.finishedLimit = n }
}

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) { b.logger = l }
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	host, _ := os.Hostname()
	b := &MemoryBroker{
		queues:        make(map[string]*memQueue),
		consumers:     make(map[string]*memConsumer),
		now:           time.Now,
		retryDelay:    models.RetryDelay,
		finishedLimit: DefaultFinishedLimit,
		logger:        slog.Default(),
		host:          host,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queueLocked returns the named queue, creating it. Callers hold b.mu.
func (b *MemoryBroker) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			name:     name,
			schedule: NewPriorityQueue(),
			jobs:     make(map[string]*memJob),
			wake:     make(chan struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue adds a job, delayed when opts.Delay is set.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	q := b.queueLocked(queue)

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := q.jobs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}

	now := b.now()
	b.seq++
	j := &memJob{
		seq: b.seq,
		info: models.JobInfo{
			ID:          id,
			Queue:       queue,
			Name:        name,
			Data:        data,
			State:       models.StateWaiting,
			MaxAttempts: opts.MaxAttempts(),
			CreatedAt:   now,
			ProcessAt:   now.Add(opts.Delay.Duration()),
		},
	}
	if opts.Delay > 0 {
		j.info.State = models.StateDelayed
	}
	q.jobs[id] = j
	q.schedule.Push(id, j.info.ProcessAt, j.seq)
	q.signal()

	info := j.info
	return &info, nil
}

// Ping reports whether the broker accepts work.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return ctx.Err()
}

// effectiveState resolves delayed jobs whose time has come to waiting.
func effectiveState(j *memJob, now time.Time) models.JobState {
	if j.info.State == models.StateDelayed && !j.info.ProcessAt.After(now) {
		return models.StateWaiting
	}
	return j.info.State
}

func (b *MemoryBroker) snapshot(j *memJob, now time.Time) *models.JobInfo {
	info := j.info
	info.State = effectiveState(j, now)
	if info.Result != nil {
		info.Result = append([]byte(nil), info.Result...)
	}
	return &info
}

// Counts returns per-state job counts. Unknown queues report zeros.
func (b *MemoryBroker) Counts(ctx context.Context, queue string) (models.QueueCounts, error) {
	counts := models.QueueCounts{Queue: queue}
	if err := ctx.Err(); err != nil {
		return counts, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return counts, nil
	}
	now := b.now()
	counts.Paused = q.paused
	for _, j := range q.jobs {
		switch effectiveState(j, now) {
		case models.StateWaiting:
			counts.Waiting++
		case models.StateActive:
			counts.Active++
		case models.StateDelayed:
			counts.Delayed++
		case models.StateRetrying:
			counts.Retrying++
		case models.StateCompleted:
			counts.Completed++
		case models.StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// ListJobs returns jobs in state, newest first. page is 1-based.
func (b *MemoryBroker) ListJobs(ctx context.Context, queue string, state models.JobState, page, size int) ([]*models.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return []*models.JobInfo{}, nil
	}
	now := b.now()
	var matched []*memJob
	for _, j := range q.jobs {
		if effectiveState(j, now) == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq > matched[k].seq })

	start := (page - 1) * size
	if start >= len(matched) {
		return []*models.JobInfo{}, nil
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*models.JobInfo, 0, end-start)
	for _, j := range matched[start:end] {
		out = append(out, b.snapshot(j, now))
	}
	return out, nil
}

func (b *MemoryBroker) jobLocked(queue, id string) (*memQueue, *memJob, error) {
	q, ok := b.queues[queue]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	j, ok := q.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queue, id)
	}
	return q, j, nil
}

// GetJob returns a snapshot of one job.
func (b *MemoryBroker) GetJob(ctx context.Context, queue, id string) (*models.JobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, j, err := b.jobLocked(queue, id)
	if err != nil {
		return nil, err
	}
	return b.snapshot(j, b.now()), nil
}

// RetryJob runs a failed, delayed or retrying job immediately.
func (b *MemoryBroker) RetryJob(ctx context.Context, queue, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, j, err := b.jobLocked(queue, id)
	if err != nil {
		return err
	}
	switch j.info.State {
	case models.StateFailed:
		q.dropFinished(id)
		j.info.FinishedAt = nil
		// A manual retry grants one more attempt.
		if j.info.AttemptsMade >= j.info.MaxAttempts {
			j.info.MaxAttempts = j.info.AttemptsMade + 1
		}
	case models.StateDelayed, models.StateRetrying:
	default:
		return fmt.Errorf("%w: cannot retry %s job", ErrJobState, j.info.State)
	}
	now := b.now()
	j.info.State = models.StateWaiting
	j.info.ProcessAt = now
	q.schedule.Push(id, now, j.seq)
	q.signal()
	return nil
}

// DeleteJob removes a job that is not running.
func (b *MemoryBroker) DeleteJob(ctx context.Context, queue, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, j, err := b.jobLocked(queue, id)
	if err != nil {
		return err
	}
	if j.info.State == models.StateActive {
		return fmt.Errorf("%w: cannot delete active job", ErrJobState)
	}
	q.schedule.Remove(id)
	q.dropFinished(id)
	delete(q.jobs, id)
	return nil
}

func (q *memQueue) dropFinished(id string) {
	for i, fid := range q.finished {
		if fid == id {
			q.finished = append(q.finished[:i], q.finished[i+1:]...)
			return
		}
	}
}

// PauseQueue stops consumers from picking up new jobs.
func (b *MemoryBroker) PauseQueue(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, true)
}

// ResumeQueue undoes PauseQueue.
func (b *MemoryBroker) ResumeQueue(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, false)
}

func (b *MemoryBroker) setPaused(ctx context.Context, queue string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queue)
	q.paused = paused
	q.signal()
	return nil
}

// Workers lists the running consumers.
func (b *MemoryBroker) Workers(ctx context.Context) ([]models.WorkerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.WorkerInfo, 0, len(b.consumers))
	for _, c := range b.consumers {
		out = append(out, models.WorkerInfo{
			ID:          c.id,
			Host:        b.host,
			PID:         os.Getpid(),
			Queues:      []string{c.queue},
			Concurrency: c.concurrency,
			ActiveJobs:  int(c.active.Load()),
			Status:      "active",
			StartedAt:   c.startedAt,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out, nil
}

// Close stops every consumer and rejects further work.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := make([]*memConsumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	for _, q := range b.queues {
		q.signal()
	}
	b.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	return nil
}

// ------------------------------
// Consumers
// ------------------------------

type memConsumer struct {
	id          string
	queue       string
	concurrency int
	startedAt   time.Time
	broker      *MemoryBroker
	handler     Handler

	active atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (c *memConsumer) ID() string    { return c.id }
func (c *memConsumer) Queue() string { return c.queue }

func (c *memConsumer) Stop() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()

		b := c.broker
		b.mu.Lock()
		delete(b.consumers, c.id)
		b.mu.Unlock()
		b.logger.Info("worker stopped", "worker_id", c.id, "queue", c.queue)
	})
}

// Consume starts opts.Concurrency goroutines processing jobs from queue.
// The consumer runs until Stop, Close or ctx is done.
func (b *MemoryBroker) Consume(ctx context.Context, queue string, opts ConsumeOptions, h Handler) (Consumer, error) {
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
		return nil, ErrBrokerClosed
	}
	b.queueLocked(queue)

	cctx, cancel := context.WithCancel(ctx)
	c := &memConsumer{
		id:          uuid.New().String(),
		queue:       queue,
		concurrency: concurrency,
		startedAt:   b.now(),
		broker:      b,
		handler:     h,
		ctx:         cctx,
		cancel:      cancel,
	}
	b.consumers[c.id] = c

	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go c.loop()
	}
	b.logger.Info("worker started", "worker_id", c.id, "queue", queue, "concurrency", concurrency)
	return c, nil
}

func (c *memConsumer) loop() {
	defer c.wg.Done()

	for {
		job, wake, wait, ok := c.broker.claim(c.queue)
		if !ok {
			return
		}
		if job == nil {
			var (
				timer *time.Timer
				fire  <-chan time.Time
			)
			if wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			}
			select {
			case <-c.ctx.Done():
			case <-wake:
			case <-fire:
			}
			if timer != nil {
				timer.Stop()
			}
			if c.ctx.Err() != nil {
				return
			}
			continue
		}

		c.active.Add(1)
		result, err := c.run(job)
		c.active.Add(-1)
		c.broker.finish(c.ctx, job, result, err)

		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *memConsumer) run(job *Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return c.handler(c.ctx, job)
}

// claim pops the next runnable job of queue and marks it active. When nothing
// is runnable it returns the wake channel and how long until the next delayed
// job. ok is false once the broker is closed.
func (b *MemoryBroker) claim(queue string) (job *Job, wake <-chan struct{}, wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, 0, false
	}
	q := b.queueLocked(queue)
	if q.paused {
		return nil, q.wake, 0, true
	}

	now := b.now()
	for {
		id, ready := q.schedule.PopReady(now)
		if !ready {
			break
		}
		j, exists := q.jobs[id]
		if !exists {
			continue
		}
		j.info.State = models.StateActive
		j.info.AttemptsMade++
		return &Job{
			ID:          j.info.ID,
			Queue:       q.name,
			Name:        j.info.Name,
			Data:        j.info.Data,
			Attempt:     j.info.AttemptsMade,
			MaxAttempts: j.info.MaxAttempts,
		}, nil, 0, true
	}

	if next, pending := q.schedule.Next(); pending {
		wait = next.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
	return nil, q.wake, wait, true
}

// finish records the outcome of an attempt.
func (b *MemoryBroker) finish(ctx context.Context, job *Job, result []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[job.Queue]
	if !ok {
		return
	}
	j, ok := q.jobs[job.ID]
	if !ok {
		return
	}
	now := b.now()

	switch {
	case err == nil:
		j.info.State = models.StateCompleted
		j.info.Result = result
		j.info.LastError = ""
		j.info.FinishedAt = &now
		b.markFinished(q, j.info.ID)

	case ctx.Err() != nil:
		// Interrupted by shutdown; the attempt does not count.
		j.info.AttemptsMade--
		j.info.State = models.StateWaiting
		j.info.ProcessAt = now
		q.schedule.Push(j.info.ID, now, j.seq)

	case j.info.AttemptsMade < j.info.MaxAttempts:
		j.info.State = models.StateRetrying
		j.info.LastError = err.Error()
		j.info.ProcessAt = now.Add(b.retryDelay(j.info.AttemptsMade))
		q.schedule.Push(j.info.ID, j.info.ProcessAt, j.seq)
		b.logger.Warn("job failed, retrying",
			"queue", q.name, "job_id", j.info.ID,
			"attempt", j.info.AttemptsMade, "max_attempts", j.info.MaxAttempts,
			"error", err)

	default:
		j.info.State = models.StateFailed
		j.info.LastError = err.Error()
		j.info.FinishedAt = &now
		b.markFinished(q, j.info.ID)
		b.logger.Warn("job failed", "queue", q.name, "job_id", j.info.ID, "error", err)
	}
	q.signal()
}

func (b *MemoryBroker) markFinished(q *memQueue, id string) {
	q.finished = append(q.finished, id)
	for b.finishedLimit > 0 && len(q.finished) > b.finishedLimit {
		oldest := q.finished[0]
		q.finished = q.finished[1:]
		delete(q.jobs, oldest)
	}
}
