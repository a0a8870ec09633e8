// Package queue defines the broker abstraction the board drives and an
// in-process implementation of it.
package queue

import (
	"context"
	"errors"

	"github.com/athulya-anil/axon-board/pkg/models"
)

var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrQueueExists   = errors.New("queue already existed")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job id already exists")
	ErrJobState      = errors.New("operation not allowed in current job state")
	ErrBrokerClosed  = errors.New("broker closed")
)

// Job is what a Handler receives for each attempt.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Data        models.JobData
	Attempt     int // 1-based
	MaxAttempts int
}

// Handler processes a single job. A non-nil result must be JSON.
type Handler func(ctx context.Context, job *Job) ([]byte, error)

// ConsumeOptions configure a consumer.
type ConsumeOptions struct {
	Concurrency int
}

// Consumer is a running worker attached to one queue.
type Consumer interface {
	ID() string
	Queue() string
	// Stop waits for in-flight jobs to return.
	Stop()
}

// Broker is the queue backend used by the API, the dashboard and the workers.
type Broker interface {
	Enqueue(ctx context.Context, queue, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, error)
	Consume(ctx context.Context, queue string, opts ConsumeOptions, h Handler) (Consumer, error)
	Ping(ctx context.Context) error

	Counts(ctx context.Context, queue string) (models.QueueCounts, error)
	ListJobs(ctx context.Context, queue string, state models.JobState, page, size int) ([]*models.JobInfo, error)
	GetJob(ctx context.Context, queue, id string) (*models.JobInfo, error)
	RetryJob(ctx context.Context, queue, id string) error
	DeleteJob(ctx context.Context, queue, id string) error
	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error
	Workers(ctx context.Context) ([]models.WorkerInfo, error)

	Close() error
}
