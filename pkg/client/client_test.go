package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/athulya-anil/axon-board/pkg/config"
	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/server"
)

func TestClient_Health(t *testing.T) {
	// Create mock server
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		}
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestClient_HealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unhealthy","error":"dial tcp: connection refused"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError, got %v", err)
	}
	if apiErr.Message != "dial tcp: connection refused" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestClient_AddJobQueueNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":false,"message":"queue not found"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).AddJob(context.Background(), "nope", "x", models.JobOptions{})
	if !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestClient_NonJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).CreateQueue(context.Background(), "q")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "bad gateway" {
		t.Fatalf("unexpected error %v", err)
	}
}

// newBoard runs a full in-memory board behind an httptest server.
func newBoard(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		QueueBackend:      config.BackendMemory,
		BoardUser:         "bull",
		BoardPassword:     "board",
		SessionSecret:     "test-secret",
		SessionTTL:        time.Hour,
		WorkerConcurrency: 1,
		ReadyTimeout:      time.Second,
		ShutdownTimeout:   time.Second,
	}
	s, err := server.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return NewClient(ts.URL)
}

func TestBoardQueueLifecycle(t *testing.T) {
	c := newBoard(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	if err := c.CreateQueue(ctx, "emails"); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	var apiErr *APIError
	if err := c.CreateQueue(ctx, "emails"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate CreateQueue err = %v", err)
	}

	workerID, err := c.StartWorker(ctx, "emails")
	if err != nil || workerID == "" {
		t.Fatalf("StartWorker = %q, %v", workerID, err)
	}

	jobID, err := c.AddJob(ctx, "emails", "welcome", models.JobOptions{Delay: 30, JobID: "welcome-1"})
	if err != nil || jobID != "welcome-1" {
		t.Fatalf("AddJob = %q, %v", jobID, err)
	}
	if _, err := c.AddJob(ctx, "emails", "welcome", models.JobOptions{JobID: "welcome-1"}); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate AddJob err = %v", err)
	}

	if err := c.DeleteQueue(ctx, "emails"); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if _, err := c.AddJob(ctx, "emails", "late", models.JobOptions{}); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("AddJob after delete err = %v", err)
	}
	if _, err := c.StartWorker(ctx, "emails"); !errors.Is(err, ErrQueueNotFound) {
		t.Fatalf("StartWorker after delete err = %v", err)
	}
}

func TestBoardErrorJob(t *testing.T) {
	c := newBoard(t)

	id, err := c.AddErrorJob(context.Background(), models.JobOptions{Delay: 60})
	if err != nil || id == "" {
		t.Fatalf("AddErrorJob = %q, %v", id, err)
	}
}
