package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
)

// ProgressStore receives what a job reports while it runs.
type ProgressStore interface {
	SetProgress(ctx context.Context, queue, jobID string, progress int) error
	AppendLog(ctx context.Context, queue, jobID, line string) error
}

// Enqueuer is the part of queue.Broker the processor needs to report failures.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, error)
}

// Processor is the demo job: it walks from 0 to Steps, sleeping a random
// fraction of MaxStepDelay per step and failing at random.
type Processor struct {
	Store      ProgressStore
	Errors     Enqueuer
	ErrorQueue string

	Steps        int
	FailureRate  float64
	MaxStepDelay time.Duration

	Rand   func() float64
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
	Tracer trace.Tracer
}

// NewProcessor returns a processor with the demo defaults: 100 steps, up to
// one second each, 1 in 200 chance of failing per step.
func NewProcessor(store ProgressStore, errs Enqueuer, errorQueue string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		Store:        store,
		Errors:       errs,
		ErrorQueue:   errorQueue,
		Steps:        100,
		FailureRate:  1.0 / 200,
		MaxStepDelay: time.Second,
		Rand:         rand.Float64,
		Sleep:        sleepContext,
		Logger:       logger,
		Tracer:       otel.Tracer("github.com/athulya-anil/axon-board/pkg/worker"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle implements queue.Handler.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) ([]byte, error) {
	ctx, span := p.Tracer.Start(ctx, "process job", trace.WithAttributes(
		attribute.String("queue", job.Queue),
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	logger := p.Logger.With("queue", job.Queue, "job_id", job.ID, "attempt", job.Attempt)
	logger.Info("processing job", "name", job.Name, "title", job.Data.Title)
	start := time.Now()

	result, err := p.run(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("job failed", "error", err)
		if ctx.Err() == nil {
			p.reportFailure(ctx, job, logger)
		}
		return nil, err
	}

	logger.Info("job completed", "elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

func (p *Processor) run(ctx context.Context, job *queue.Job, logger *slog.Logger) ([]byte, error) {
	for i := 0; i <= p.Steps; i++ {
		if err := p.Sleep(ctx, time.Duration(p.Rand()*float64(p.MaxStepDelay))); err != nil {
			return nil, err
		}
		if err := p.Store.SetProgress(ctx, job.Queue, job.ID, progressAt(i, p.Steps)); err != nil {
			logger.Warn("record progress", "error", err)
		}
		if err := p.Store.AppendLog(ctx, job.Queue, job.ID, fmt.Sprintf("Processing job at interval %d", i)); err != nil {
			logger.Warn("record log line", "error", err)
		}

		if p.Rand() < p.FailureRate {
			return nil, fmt.Errorf("Random error %d", i)
		}
	}

	return json.Marshal(map[string]string{
		"jobId": fmt.Sprintf("This is the return value of job (%s)", job.ID),
	})
}

// progressAt scales step i of steps to a 0-100 percentage.
func progressAt(i, steps int) int {
	if steps <= 0 {
		return 100
	}
	return i * 100 / steps
}

// reportFailure enqueues an Error job on the error queue. Jobs already on the
// error queue are not reported again.
func (p *Processor) reportFailure(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	if p.Errors == nil || p.ErrorQueue == "" || job.Queue == p.ErrorQueue {
		return
	}
	info, err := p.Errors.Enqueue(ctx, p.ErrorQueue, models.JobNameError,
		models.JobData{Title: "error demo test"}, models.JobOptions{})
	if err != nil {
		logger.Error("report failure to error queue", "error_queue", p.ErrorQueue, "error", err)
		return
	}
	logger.Info("failure reported", "error_queue", p.ErrorQueue, "error_job_id", info.ID)
}
