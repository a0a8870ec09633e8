// Package client talks to a running board over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/athulya-anil/axon-board/pkg/board"
	"github.com/athulya-anil/axon-board/pkg/models"
)

// ErrQueueNotFound is returned when the board does not know the queue.
var ErrQueueNotFound = errors.New("queue not found")

// Client handles communication with the board API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-successful reply from the board.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("board returned %d: %s", e.StatusCode, e.Message)
}

// JobRequest is the body of POST /jobs
type JobRequest struct {
	Title     string            `json:"title,omitempty"`
	QueueName string            `json:"queueName,omitempty"`
	Opts      models.JobOptions `json:"opts"`
}

type queueRequest struct {
	QueueName string `json:"queueName"`
}

type reply struct {
	OK       *bool  `json:"ok"`
	Message  string `json:"message"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

// NewClient creates a new board client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 40 * time.Second,
		},
	}
}

// AddJob enqueues an Add job and returns its ID.
func (c *Client) AddJob(ctx context.Context, queueName, title string, opts models.JobOptions) (string, error) {
	r, err := c.do(ctx, http.MethodPost, "/jobs", JobRequest{Title: title, QueueName: queueName, Opts: opts})
	if err != nil {
		return "", err
	}
	return r.JobID, nil
}

// AddErrorJob enqueues an Error job on the error queue.
func (c *Client) AddErrorJob(ctx context.Context, opts models.JobOptions) (string, error) {
	r, err := c.do(ctx, http.MethodPost, "/jobs/error", JobRequest{QueueName: board.ErrorQueue, Opts: opts})
	if err != nil {
		return "", err
	}
	return r.JobID, nil
}

// CreateQueue registers a queue on the board
func (c *Client) CreateQueue(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodPost, "/queues", queueRequest{QueueName: name})
	return err
}

// DeleteQueue removes a queue from the board
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/queues", queueRequest{QueueName: name})
	return err
}

// StartWorker attaches a processor to a queue and returns its worker ID.
func (c *Client) StartWorker(ctx context.Context, name string) (string, error) {
	r, err := c.do(ctx, http.MethodPost, "/worker", queueRequest{QueueName: name})
	if err != nil {
		return "", err
	}
	return r.WorkerID, nil
}

// Health checks if the board and its queue backend are healthy
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*reply, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if resp.StatusCode != http.StatusOK || (r.OK != nil && !*r.OK) {
		msg := r.Message
		if msg == "" {
			msg = r.Error
		}
		if msg == ErrQueueNotFound.Error() {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, path)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &r, nil
}
