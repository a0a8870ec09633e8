package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// JobState is the lifecycle state of a job as shown on the board.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateRetrying  JobState = "retrying"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// JobStates lists every state in board display order.
var JobStates = []JobState{
	StateWaiting,
	StateActive,
	StateDelayed,
	StateRetrying,
	StateCompleted,
	StateFailed,
}

// ParseJobState converts a query value into a JobState.
func ParseJobState(s string) (JobState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range JobStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Job names used by the demo queues.
const (
	JobNameAdd   = "Add"
	JobNameError = "Error"
)

// JobData is the payload carried by every demo job.
type JobData struct {
	Title string `json:"title"`
}

// Seconds is a duration expressed in seconds on the wire. It accepts a JSON
// number or a numeric string.
type Seconds float64

// ParseSeconds parses a form or query value.
func ParseSeconds(s string) (Seconds, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid seconds value %q", s)
	}
	return Seconds(f), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		v, err := ParseSeconds(str)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid seconds value %s", b)
	}
	*s = Seconds(f)
	return nil
}

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// JobOptions are the per-job options accepted by the enqueue endpoints.
type JobOptions struct {
	Delay    Seconds `json:"delay,omitempty"`
	Attempts int     `json:"attempts,omitempty"`
	JobID    string  `json:"jobId,omitempty"`
}

// Validate rejects options no broker can honor.
func (o JobOptions) Validate() error {
	if o.Delay < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	if o.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 0")
	}
	if strings.ContainsAny(o.JobID, " \t\r\n:") {
		return fmt.Errorf("jobId must not contain whitespace or ':'")
	}
	return nil
}

// MaxAttempts is the total number of attempts, at least one.
func (o JobOptions) MaxAttempts() int {
	if o.Attempts <= 0 {
		return 1
	}
	return o.Attempts
}

// JobInfo is a snapshot of a job as reported by a broker.
type JobInfo struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Data         JobData         `json:"data"`
	State        JobState        `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessAt    time.Time       `json:"process_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// QueueCounts summarizes a queue for the board.
type QueueCounts struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Delayed   int    `json:"delayed"`
	Retrying  int    `json:"retrying"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}

// Get returns the count for a single state.
func (c QueueCounts) Get(st JobState) int {
	switch st {
	case StateWaiting:
		return c.Waiting
	case StateActive:
		return c.Active
	case StateDelayed:
		return c.Delayed
	case StateRetrying:
		return c.Retrying
	case StateCompleted:
		return c.Completed
	case StateFailed:
		return c.Failed
	}
	return 0
}

// Total is the number of jobs across all states.
func (c QueueCounts) Total() int {
	return c.Waiting + c.Active + c.Delayed + c.Retrying + c.Completed + c.Failed
}

const maxRetryDelay = time.Minute

// RetryDelay is the backoff before retry number n (starting at 1):
// 2^n seconds, capped at one minute.
func RetryDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 6 {
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
