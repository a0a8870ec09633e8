package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	progress map[string]int
	logs     map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{progress: map[string]int{}, logs: map[string][]string{}}
}

func (s *fakeStore) SetProgress(ctx context.Context, q, id string, p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[q+"/"+id] = p
	return nil
}

func (s *fakeStore) AppendLog(ctx context.Context, q, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[q+"/"+id] = append(s.logs[q+"/"+id], line)
	return nil
}

type enqueued struct {
	queue, name string
	data        models.JobData
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, q, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueued{queue: q, name: name, data: data})
	return &models.JobInfo{ID: "err-1", Queue: q, Name: name, Data: data}, nil
}

// failAtCall returns a Rand that yields 0 on call n (0-based) and 0.5 otherwise.
func failAtCall(n int) func() float64 {
	calls := 0
	return func() float64 {
		defer func() { calls++ }()
		if calls == n {
			return 0
		}
		return 0.5
	}
}

func newTestProcessor(store *fakeStore, enq *fakeEnqueuer) *Processor {
	p := NewProcessor(store, enq, "ErrorExampleBullMQ", nil)
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	p.Rand = func() float64 { return 0.5 }
	return p
}

func TestProcessorCompletes(t *testing.T) {
	store := newFakeStore()
	enq := &fakeEnqueuer{}
	p := newTestProcessor(store, enq)

	result, err := p.Handle(context.Background(), &queue.Job{ID: "42", Queue: "ExampleBullMQ", Name: models.JobNameAdd, Attempt: 1})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if out["jobId"] != "This is the return value of job (42)" {
		t.Errorf("result = %v", out)
	}

	logs := store.logs["ExampleBullMQ/42"]
	if len(logs) != 101 {
		t.Fatalf("got %d log lines, want 101", len(logs))
	}
	if logs[0] != "Processing job at interval 0" || logs[100] != "Processing job at interval 100" {
		t.Errorf("unexpected log lines %q ... %q", logs[0], logs[100])
	}
	if store.progress["ExampleBullMQ/42"] != 100 {
		t.Errorf("final progress = %d", store.progress["ExampleBullMQ/42"])
	}
	if len(enq.jobs) != 0 {
		t.Errorf("unexpected error jobs %+v", enq.jobs)
	}
}

func TestProcessorFailureReportsToErrorQueue(t *testing.T) {
	store := newFakeStore()
	enq := &fakeEnqueuer{}
	p := newTestProcessor(store, enq)
	// Two Rand calls per step: the delay, then the failure roll. Call 7 is
	// the failure roll of step 3.
	p.Rand = failAtCall(7)

	_, err := p.Handle(context.Background(), &queue.Job{ID: "7", Queue: "ExampleBullMQ", Name: models.JobNameAdd, Attempt: 1})
	if err == nil || err.Error() != "Random error 3" {
		t.Fatalf("err = %v, want Random error 3", err)
	}
	if n := len(store.logs["ExampleBullMQ/7"]); n != 4 {
		t.Errorf("got %d log lines, want 4", n)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("got %d error jobs, want 1", len(enq.jobs))
	}
	got := enq.jobs[0]
	if got.queue != "ErrorExampleBullMQ" || got.name != models.JobNameError || got.data.Title != "error demo test" {
		t.Errorf("unexpected error job %+v", got)
	}
}

func TestProcessorDoesNotReportErrorQueueFailures(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := newTestProcessor(newFakeStore(), enq)
	p.Rand = failAtCall(1)

	if _, err := p.Handle(context.Background(), &queue.Job{ID: "1", Queue: "ErrorExampleBullMQ", Name: models.JobNameError}); err == nil {
		t.Fatal("expected failure")
	}
	if len(enq.jobs) != 0 {
		t.Errorf("error queue failure was re-reported: %+v", enq.jobs)
	}
}

func TestProcessorCancelled(t *testing.T) {
	enq := &fakeEnqueuer{}
	p := newTestProcessor(newFakeStore(), enq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Handle(ctx, &queue.Job{ID: "1", Queue: "ExampleBullMQ"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(enq.jobs) != 0 {
		t.Error("cancellation should not be reported as a failure")
	}
}

func TestProgressAt(t *testing.T) {
	tests := []struct{ i, steps, want int }{
		{0, 100, 0},
		{50, 100, 50},
		{100, 100, 100},
		{1, 4, 25},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := progressAt(tt.i, tt.steps); got != tt.want {
			t.Errorf("progressAt(%d, %d) = %d, want %d", tt.i, tt.steps, got, tt.want)
		}
	}
}
