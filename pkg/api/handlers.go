// Package api exposes the queue demo endpoints: add jobs, manage queues and
// attach processors.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/athulya-anil/axon-board/pkg/board"
	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
	"github.com/athulya-anil/axon-board/pkg/worker"
)

// Workers starts and stops processors per queue.
type Workers interface {
	Start(ctx context.Context, queueName string) (queue.Consumer, error)
	StopQueue(queueName string) int
}

// QueueStore drops the progress and logs kept for a queue.
type QueueStore interface {
	DeleteQueue(ctx context.Context, queue string) error
}

// API wraps the broker and registry and provides HTTP handlers
type API struct {
	broker  queue.Broker
	queues  *board.Registry
	workers Workers
	store   QueueStore
	logger  *slog.Logger

	// StartTimeout bounds how long POST /worker waits for the backend.
	StartTimeout time.Duration
}

// NewAPI creates a new API instance. store may be nil.
func NewAPI(broker queue.Broker, queues *board.Registry, workers Workers, store QueueStore, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		broker:       broker,
		queues:       queues,
		workers:      workers,
		store:        store,
		logger:       logger,
		StartTimeout: 30 * time.Second,
	}
}

// SetupRoutes configures all API routes
func (a *API) SetupRoutes(router gin.IRouter) {
	// Job endpoints
	router.POST("/jobs", a.addJob)
	router.POST("/jobs/error", a.addErrorJob)

	// Queue endpoints
	router.POST("/queues", a.createQueue)
	router.DELETE("/queues", a.deleteQueue)

	// Worker endpoints
	router.POST("/worker", a.startWorker)

	router.GET("/health", a.healthCheck)
}

// JobRequest is the payload of POST /jobs and POST /jobs/error.
type JobRequest struct {
	Title     string            `json:"title"`
	QueueName string            `json:"queueName"`
	Opts      models.JobOptions `json:"opts"`
}

// QueueRequest is the payload of the queue and worker endpoints.
type QueueRequest struct {
	QueueName string `json:"queueName" form:"queueName"`
}

func isJSON(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), binding.MIMEJSON)
}

// bindJobRequest reads a job request from JSON or from a form using
// opts[delay], opts[attempts] and opts[jobId] keys.
func bindJobRequest(c *gin.Context) (JobRequest, error) {
	var req JobRequest
	if isJSON(c) {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, err
		}
		return req, req.Opts.Validate()
	}

	req.Title = c.PostForm("title")
	req.QueueName = c.PostForm("queueName")
	if v := c.PostForm("opts[delay]"); v != "" {
		d, err := models.ParseSeconds(v)
		if err != nil {
			return req, err
		}
		req.Opts.Delay = d
	}
	if v := c.PostForm("opts[attempts]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("invalid attempts %q", v)
		}
		req.Opts.Attempts = n
	}
	req.Opts.JobID = c.PostForm("opts[jobId]")
	return req, req.Opts.Validate()
}

func bindQueueRequest(c *gin.Context) (string, error) {
	var req QueueRequest
	var err error
	switch {
	case isJSON(c):
		err = c.ShouldBindJSON(&req)
	case c.Request.Method == http.MethodDelete:
		// net/http only parses form bodies for POST, PUT and PATCH.
		var body []byte
		if body, err = c.GetRawData(); err == nil {
			var form url.Values
			if form, err = url.ParseQuery(string(body)); err == nil {
				req.QueueName = form.Get("queueName")
			}
		}
	default:
		err = c.ShouldBind(&req)
	}
	if err != nil {
		return "", err
	}
	return board.NormalizeName(req.QueueName)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": err.Error()})
}

// enqueue maps broker errors onto responses. It returns false when a
// response has already been written.
func (a *API) enqueue(c *gin.Context, queueName, name string, data models.JobData, opts models.JobOptions) (*models.JobInfo, bool) {
	info, err := a.broker.Enqueue(c.Request.Context(), queueName, name, data, opts)
	switch {
	case err == nil:
		return info, true
	case errors.Is(err, queue.ErrJobExists):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "message": "job already exists"})
	default:
		a.logger.Error("enqueue failed", "queue", queueName, "job_name", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "message": err.Error()})
	}
	return nil, false
}

// addJob handles POST /jobs
func (a *API) addJob(c *gin.Context) {
	req, err := bindJobRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	name, err := board.NormalizeName(req.QueueName)
	if err != nil || !a.queues.Has(name) {
		c.JSON(http.StatusOK, gin.H{"ok": false, "message": "queue not found"})
		return
	}

	info, ok := a.enqueue(c, name, models.JobNameAdd, models.JobData{Title: req.Title}, req.Opts)
	if !ok {
		return
	}
	a.logger.Info("job added", "queue", info.Queue, "job_id", info.ID, "state", info.State)
	c.JSON(http.StatusOK, gin.H{"ok": true, "jobId": info.ID})
}

// addErrorJob handles POST /jobs/error
func (a *API) addErrorJob(c *gin.Context) {
	req, err := bindJobRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	info, ok := a.enqueue(c, board.ErrorQueue, models.JobNameError, models.JobData{Title: "some error"}, req.Opts)
	if !ok {
		return
	}
	a.logger.Info("error job added", "queue", info.Queue, "job_id", info.ID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "jobId": info.ID})
}

// createQueue handles POST /queues
func (a *API) createQueue(c *gin.Context) {
	name, err := bindQueueRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := a.queues.Add(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "message": "queue already existed."})
		return
	}
	a.logger.Info("queue created", "queue", name)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// deleteQueue handles DELETE /queues
func (a *API) deleteQueue(c *gin.Context) {
	name, err := bindQueueRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	removed := a.queues.Remove(name)
	stopped := a.workers.StopQueue(name)
	if a.store != nil {
		if err := a.store.DeleteQueue(c.Request.Context(), name); err != nil {
			a.logger.Warn("drop job progress failed", "queue", name, "error", err)
		}
	}
	a.logger.Info("queue deleted", "queue", name, "registered", removed, "workers_stopped", stopped)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// startWorker handles POST /worker
func (a *API) startWorker(c *gin.Context) {
	name, err := bindQueueRequest(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	if !a.queues.Has(name) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "message": "queue not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.StartTimeout)
	defer cancel()
	consumer, err := a.workers.Start(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrNotReady), errors.Is(err, worker.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "message": err.Error()})
		return
	default:
		a.logger.Error("start worker failed", "queue", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "workerId": consumer.ID()})
}

// healthCheck handles GET /health
func (a *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := a.broker.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"queues": a.queues.Names(),
	})
}
