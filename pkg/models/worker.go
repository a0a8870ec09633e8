package models

import "time"

// WorkerInfo describes a running worker process or in-process consumer.
type WorkerInfo struct {
	ID          string    `json:"id"`          // Unique worker ID
	Host        string    `json:"host"`        // Host the worker runs on
	PID         int       `json:"pid"`         // Process ID of the worker
	Queues      []string  `json:"queues"`      // Queues the worker consumes
	Concurrency int       `json:"concurrency"` // Maximum concurrent jobs
	ActiveJobs  int       `json:"active_jobs"` // Jobs currently being processed
	Status      string    `json:"status"`      // "active", "closed", ...
	StartedAt   time.Time `json:"started_at"`
}
