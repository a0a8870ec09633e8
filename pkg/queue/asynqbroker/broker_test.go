package asynqbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
)

func optionValue(opts []asynq.Option, typ asynq.OptionType) (interface{}, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestEnqueueOptionsDefaults(t *testing.T) {
	opts := enqueueOptions("ExampleBullMQ", models.JobOptions{}, 0)

	if v, _ := optionValue(opts, asynq.QueueOpt); v != "ExampleBullMQ" {
		t.Errorf("queue = %v", v)
	}
	if v, _ := optionValue(opts, asynq.MaxRetryOpt); v != 0 {
		t.Errorf("max retry = %v, want 0 for a single attempt", v)
	}
	if _, ok := optionValue(opts, asynq.ProcessInOpt); ok {
		t.Error("unexpected ProcessIn option")
	}
	if _, ok := optionValue(opts, asynq.TaskIDOpt); ok {
		t.Error("unexpected TaskID option")
	}
	if _, ok := optionValue(opts, asynq.RetentionOpt); ok {
		t.Error("unexpected Retention option")
	}
}

func TestEnqueueOptionsTranslated(t *testing.T) {
	opts := enqueueOptions("q", models.JobOptions{Delay: 9, Attempts: 3, JobID: "job-1"}, time.Hour)

	if v, _ := optionValue(opts, asynq.MaxRetryOpt); v != 2 {
		t.Errorf("max retry = %v, want 2", v)
	}
	if v, _ := optionValue(opts, asynq.ProcessInOpt); v != 9*time.Second {
		t.Errorf("process in = %v", v)
	}
	if v, _ := optionValue(opts, asynq.TaskIDOpt); v != "job-1" {
		t.Errorf("task id = %v", v)
	}
	if v, _ := optionValue(opts, asynq.RetentionOpt); v != time.Hour {
		t.Errorf("retention = %v", v)
	}
}

func TestMapState(t *testing.T) {
	tests := map[asynq.TaskState]models.JobState{
		asynq.TaskStatePending:     models.StateWaiting,
		asynq.TaskStateActive:      models.StateActive,
		asynq.TaskStateScheduled:   models.StateDelayed,
		asynq.TaskStateRetry:       models.StateRetrying,
		asynq.TaskStateArchived:    models.StateFailed,
		asynq.TaskStateCompleted:   models.StateCompleted,
		asynq.TaskStateAggregating: models.StateWaiting,
	}
	for in, want := range tests {
		if got := mapState(in); got != want {
			t.Errorf("mapState(%v) = %s, want %s", in, got, want)
		}
	}
}

func TestToJobInfo(t *testing.T) {
	done := time.Now()
	ti := &asynq.TaskInfo{
		ID:          "abc",
		Queue:       "ExampleBullMQ",
		Type:        models.JobNameAdd,
		Payload:     []byte(`{"title":"Example"}`),
		State:       asynq.TaskStateCompleted,
		MaxRetry:    2,
		Retried:     1,
		CompletedAt: done,
		Result:      []byte(`{"jobId":"x"}`),
	}

	info := toJobInfo(ti)
	if info.Data.Title != "Example" || info.Name != models.JobNameAdd {
		t.Errorf("unexpected info %+v", info)
	}
	if info.State != models.StateCompleted || info.AttemptsMade != 2 || info.MaxAttempts != 3 {
		t.Errorf("unexpected state/attempts %+v", info)
	}
	if info.FinishedAt == nil || !info.FinishedAt.Equal(done) {
		t.Errorf("finished at = %v", info.FinishedAt)
	}
	if string(info.Result) != `{"jobId":"x"}` {
		t.Errorf("result = %s", info.Result)
	}

	ti.Result = []byte("not json")
	if toJobInfo(ti).Result != nil {
		t.Error("non-JSON results should be dropped")
	}
}

func TestToCounts(t *testing.T) {
	c := toCounts(&asynq.QueueInfo{
		Queue: "q", Pending: 2, Aggregating: 1, Active: 1, Scheduled: 3,
		Retry: 4, Completed: 5, Archived: 6, Paused: true,
	})
	want := models.QueueCounts{
		Queue: "q", Waiting: 3, Active: 1, Delayed: 3,
		Retrying: 4, Completed: 5, Failed: 6, Paused: true,
	}
	if c != want {
		t.Errorf("toCounts = %+v, want %+v", c, want)
	}
}

func TestMapInspectorErr(t *testing.T) {
	if err := mapInspectorErr(asynq.ErrQueueNotFound, "q", "1"); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Errorf("queue not found mapped to %v", err)
	}
	if err := mapInspectorErr(asynq.ErrTaskNotFound, "q", "1"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("task not found mapped to %v", err)
	}
	if err := mapInspectorErr(errors.New("asynq: FAILED_PRECONDITION: task is already running"), "q", "1"); !errors.Is(err, queue.ErrJobState) {
		t.Errorf("precondition error mapped to %v", err)
	}

	down := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	err := mapInspectorErr(down, "q", "1")
	if errors.Is(err, queue.ErrJobState) || errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("connection error mapped to %v", err)
	}
	if !errors.Is(err, down) {
		t.Errorf("connection error not wrapped: %v", err)
	}
}

func TestAsynqHandlerRejectsBadPayload(t *testing.T) {
	h := asynqHandler("q", func(ctx context.Context, job *queue.Job) ([]byte, error) {
		t.Fatal("handler should not run")
		return nil, nil
	})
	err := h.ProcessTask(context.Background(), asynq.NewTask(models.JobNameAdd, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestAsynqHandlerPassesJob(t *testing.T) {
	var got *queue.Job
	h := asynqHandler("q", func(ctx context.Context, job *queue.Job) ([]byte, error) {
		got = job
		return nil, nil
	})
	payload, _ := json.Marshal(models.JobData{Title: "hi"})
	if err := h.ProcessTask(context.Background(), asynq.NewTask(models.JobNameError, payload)); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got == nil || got.Data.Title != "hi" || got.Name != models.JobNameError || got.Queue != "q" {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.Attempt != 1 || got.MaxAttempts != 1 {
		t.Errorf("attempt %d/%d outside a server context", got.Attempt, got.MaxAttempts)
	}
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l.Info("starting ", "processor")
	l.Warn("slow")

	out := buf.String()
	if !strings.Contains(out, "starting processor") || !strings.Contains(out, "component=asynq") {
		t.Errorf("unexpected log output %q", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("missing warn line in %q", out)
	}
}
