package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athulya-anil/axon-board/pkg/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobState(t *testing.T, b Broker, queue, id string) models.JobState {
	t.Helper()
	info, err := b.GetJob(context.Background(), queue, id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return info.State
}

func TestMemoryBrokerEnqueueAndCounts(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	if _, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{Title: "now"}, models.JobOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	delayed, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{Title: "later"}, models.JobOptions{Delay: 60})
	if err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	if delayed.State != models.StateDelayed {
		t.Errorf("delayed state = %s", delayed.State)
	}

	counts, err := b.Counts(ctx, "q")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Waiting != 1 || counts.Delayed != 1 || counts.Total() != 2 {
		t.Errorf("unexpected counts %+v", counts)
	}

	empty, err := b.Counts(ctx, "unknown")
	if err != nil || empty.Total() != 0 || empty.Queue != "unknown" {
		t.Errorf("unknown queue counts = %+v, %v", empty, err)
	}
}

func TestMemoryBrokerDuplicateJobID(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	opts := models.JobOptions{JobID: "fixed"}
	if _, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, opts); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	_, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, opts)
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("second Enqueue err = %v, want ErrJobExists", err)
	}
}

func TestMemoryBrokerDelayedJobBecomesWaiting(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var offset atomic.Int64
	b := NewMemoryBroker(WithClock(func() time.Time {
		return now.Add(time.Duration(offset.Load()))
	}))
	defer b.Close()

	info, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{Delay: 9})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if st := jobState(t, b, "q", info.ID); st != models.StateDelayed {
		t.Fatalf("state = %s, want delayed", st)
	}

	offset.Store(int64(10 * time.Second))
	if st := jobState(t, b, "q", info.ID); st != models.StateWaiting {
		t.Fatalf("state = %s, want waiting", st)
	}
}

func TestMemoryBrokerConsumeCompletes(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	info, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{Title: "hello"}, models.JobOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var seen atomic.Value
	c, err := b.Consume(ctx, "q", ConsumeOptions{Concurrency: 2}, func(ctx context.Context, job *Job) ([]byte, error) {
		seen.Store(job.Data.Title)
		return []byte(`{"ok":true}`), nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer c.Stop()

	waitFor(t, "job completion", func() bool {
		return jobState(t, b, "q", info.ID) == models.StateCompleted
	})

	got, _ := b.GetJob(ctx, "q", info.ID)
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("result = %s", got.Result)
	}
	if got.AttemptsMade != 1 || got.FinishedAt == nil {
		t.Errorf("unexpected job %+v", got)
	}
	if seen.Load() != "hello" {
		t.Errorf("handler saw %v", seen.Load())
	}

	workers, _ := b.Workers(ctx)
	if len(workers) != 1 || workers[0].Concurrency != 2 || workers[0].Queues[0] != "q" {
		t.Errorf("workers = %+v", workers)
	}
}

func TestMemoryBrokerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(WithRetryDelay(func(int) time.Duration { return 0 }))
	defer b.Close()

	var calls atomic.Int32
	c, err := b.Consume(ctx, "q", ConsumeOptions{}, func(ctx context.Context, job *Job) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer c.Stop()

	info, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{Attempts: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "job failure", func() bool {
		return jobState(t, b, "q", info.ID) == models.StateFailed
	})
	if calls.Load() != 3 {
		t.Errorf("handler called %d times, want 3", calls.Load())
	}
	got, _ := b.GetJob(ctx, "q", info.ID)
	if got.LastError != "boom" || got.AttemptsMade != 3 {
		t.Errorf("unexpected job %+v", got)
	}

	// A manual retry runs it once more.
	if err := b.RetryJob(ctx, "q", info.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	waitFor(t, "retried job failure", func() bool {
		return calls.Load() == 4 && jobState(t, b, "q", info.ID) == models.StateFailed
	})
}

func TestMemoryBrokerPanicFailsJob(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	c, err := b.Consume(ctx, "q", ConsumeOptions{}, func(ctx context.Context, job *Job) ([]byte, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	defer c.Stop()

	info, _ := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{})
	waitFor(t, "panicking job failure", func() bool {
		return jobState(t, b, "q", info.ID) == models.StateFailed
	})
}

func TestMemoryBrokerPauseResume(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	if err := b.PauseQueue(ctx, "q"); err != nil {
		t.Fatalf("PauseQueue: %v", err)
	}
	var calls atomic.Int32
	c, _ := b.Consume(ctx, "q", ConsumeOptions{}, func(ctx context.Context, job *Job) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	})
	defer c.Stop()

	info, _ := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{})
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("paused queue processed a job")
	}
	counts, _ := b.Counts(ctx, "q")
	if !counts.Paused {
		t.Error("counts should report paused")
	}

	if err := b.ResumeQueue(ctx, "q"); err != nil {
		t.Fatalf("ResumeQueue: %v", err)
	}
	waitFor(t, "job after resume", func() bool {
		return jobState(t, b, "q", info.ID) == models.StateCompleted
	})
}

func TestMemoryBrokerListAndDelete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	var ids []string
	for i := 0; i < 5; i++ {
		info, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, info.ID)
	}

	page1, _ := b.ListJobs(ctx, "q", models.StateWaiting, 1, 2)
	page3, _ := b.ListJobs(ctx, "q", models.StateWaiting, 3, 2)
	if len(page1) != 2 || len(page3) != 1 {
		t.Fatalf("page sizes = %d, %d", len(page1), len(page3))
	}
	if page1[0].ID != ids[4] {
		t.Errorf("newest job should come first, got %s", page1[0].ID)
	}
	if page3[0].ID != ids[0] {
		t.Errorf("oldest job should come last, got %s", page3[0].ID)
	}

	if err := b.DeleteJob(ctx, "q", ids[0]); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := b.GetJob(ctx, "q", ids[0]); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("GetJob after delete err = %v", err)
	}
	if err := b.RetryJob(ctx, "q", ids[1]); !errors.Is(err, ErrJobState) {
		t.Errorf("RetryJob on waiting job err = %v", err)
	}
	if _, err := b.GetJob(ctx, "nope", "x"); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("GetJob on unknown queue err = %v", err)
	}
}

func TestMemoryBrokerFinishedLimit(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(WithFinishedLimit(2))
	defer b.Close()

	c, _ := b.Consume(ctx, "q", ConsumeOptions{}, func(ctx context.Context, job *Job) ([]byte, error) {
		return nil, nil
	})
	defer c.Stop()

	for i := 0; i < 4; i++ {
		b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{})
	}
	waitFor(t, "completions trimmed", func() bool {
		counts, _ := b.Counts(ctx, "q")
		return counts.Waiting == 0 && counts.Active == 0 && counts.Completed == 2
	})
}

func TestMemoryBrokerStopRequeuesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer b.Close()

	started := make(chan struct{})
	c, _ := b.Consume(ctx, "q", ConsumeOptions{}, func(ctx context.Context, job *Job) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	info, _ := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{})

	<-started
	c.Stop()

	got, _ := b.GetJob(ctx, "q", info.ID)
	if got.State != models.StateWaiting || got.AttemptsMade != 0 {
		t.Errorf("interrupted job = %+v", got)
	}
	if workers, _ := b.Workers(ctx); len(workers) != 0 {
		t.Errorf("stopped consumer still listed: %+v", workers)
	}
}

func TestMemoryBrokerClosed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Enqueue(ctx, "q", models.JobNameAdd, models.JobData{}, models.JobOptions{}); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Enqueue after close err = %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Ping after close err = %v", err)
	}
}
