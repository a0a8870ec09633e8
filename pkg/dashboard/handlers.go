// Package dashboard serves the login-gated queue board under /ui.
package dashboard

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/athulya-anil/axon-board/pkg/auth"
	"github.com/athulya-anil/axon-board/pkg/board"
	"github.com/athulya-anil/axon-board/pkg/jobstore"
	"github.com/athulya-anil/axon-board/pkg/models"
	"github.com/athulya-anil/axon-board/pkg/queue"
)

//go:embed templates/*.html
var templateFS embed.FS

// PageSize is the number of jobs listed per page.
const PageSize = 20

// logLimit caps the log lines shown on a job page.
const logLimit = 200

// JobStore is the read side of the job progress store.
type JobStore interface {
	Progress(ctx context.Context, queue, jobID string) (int, bool, error)
	Logs(ctx context.Context, queue, jobID string, limit int) ([]jobstore.LogLine, error)
	DeleteJob(ctx context.Context, queue, jobID string) error
}

// Config wires a Dashboard.
type Config struct {
	Broker      queue.Broker
	Queues      *board.Registry
	Store       JobStore // optional
	Credentials *auth.Credentials
	Sessions    *auth.Sessions
	Logger      *slog.Logger
	// Interval between SSE updates; 2s when zero.
	Interval time.Duration
}

// Dashboard provides HTTP handlers for the web UI
type Dashboard struct {
	broker    queue.Broker
	queues    *board.Registry
	store     JobStore
	creds     *auth.Credentials
	sessions  *auth.Sessions
	logger    *slog.Logger
	interval  time.Duration
	templates *template.Template
}

// QueueSummary is one row of the overview.
type QueueSummary struct {
	Counts  models.QueueCounts `json:"counts"`
	Workers int                `json:"workers"`
}

var funcs = template.FuncMap{
	"shortID": func(id string) string {
		if len(id) > 8 {
			return id[:8] + "..."
		}
		return id
	},
	"clock": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("2006-01-02 15:04:05")
		case *time.Time:
			if t != nil {
				return t.Format("2006-01-02 15:04:05")
			}
		}
		return ""
	},
	"pretty": func(v any) string {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err.Error()
		}
		return string(b)
	},
}

// NewDashboard creates a new dashboard instance
func NewDashboard(cfg Config) (*Dashboard, error) {
	if cfg.Broker == nil || cfg.Queues == nil || cfg.Credentials == nil || cfg.Sessions == nil {
		return nil, errors.New("dashboard: broker, queues, credentials and sessions are required")
	}
	tmpl, err := template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}

	return &Dashboard{
		broker:    cfg.Broker,
		queues:    cfg.Queues,
		store:     cfg.Store,
		creds:     cfg.Credentials,
		sessions:  cfg.Sessions,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		templates: tmpl,
	}, nil
}

// SetupRoutes configures dashboard routes
func (d *Dashboard) SetupRoutes(router gin.IRouter) {
	ui := router.Group("/ui")
	ui.GET("/login", d.loginPage)
	ui.POST("/login", d.login)
	ui.POST("/logout", d.logout)

	protected := ui.Group("", auth.RequireLogin(d.sessions, "/ui/login"))

	// Pages
	protected.GET("", d.overview)
	protected.GET("/queues/:queue", d.queuePage)
	protected.GET("/queues/:queue/jobs/:id", d.jobPage)

	// Actions
	protected.POST("/queues/:queue/pause", d.pauseQueue)
	protected.POST("/queues/:queue/resume", d.resumeQueue)
	protected.POST("/queues/:queue/jobs/:id/retry", d.retryJob)
	protected.POST("/queues/:queue/jobs/:id/delete", d.deleteJob)

	// JSON and SSE endpoints for live updates
	protected.GET("/api/queues", d.queuesJSON)
	protected.GET("/api/events/queues", d.queuesSSE)
}

// render executes a page into a buffer so template errors never leave a
// half-written response.
func (d *Dashboard) render(c *gin.Context, status int, name string, data gin.H) {
	if p, ok := c.Get(auth.PrincipalKey); ok {
		data["principal"] = p
	}
	var buf bytes.Buffer
	if err := d.templates.ExecuteTemplate(&buf, name, data); err != nil {
		d.logger.Error("render page failed", "template", name, "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}

// loginPage renders the login form
func (d *Dashboard) loginPage(c *gin.Context) {
	if _, err := d.sessions.FromRequest(c); err == nil {
		c.Redirect(http.StatusFound, "/ui")
		return
	}
	d.render(c, http.StatusOK, "login.html", gin.H{
		"title":   "Sign in",
		"invalid": c.Query("invalid") == "true",
	})
}

// login handles POST /ui/login
func (d *Dashboard) login(c *gin.Context) {
	principal, ok := d.creds.Verify(c.PostForm("username"), c.PostForm("password"))
	if !ok {
		d.logger.Warn("board login rejected", "remote", c.ClientIP())
		c.Redirect(http.StatusFound, "/ui/login?invalid=true")
		return
	}
	if err := d.sessions.SetCookie(c, principal); err != nil {
		d.logger.Error("issue session failed", "error", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Redirect(http.StatusFound, "/ui")
}

// logout handles POST /ui/logout
func (d *Dashboard) logout(c *gin.Context) {
	d.sessions.ClearCookie(c)
	c.Redirect(http.StatusFound, "/ui/login")
}

// overview renders the main dashboard page
func (d *Dashboard) overview(c *gin.Context) {
	summaries, err := d.summaries(c.Request.Context())
	if err != nil {
		d.backendError(c, err)
		return
	}
	d.render(c, http.StatusOK, "overview.html", gin.H{
		"title":     "Queues",
		"queues":    summaries,
		"states":    models.JobStates,
		"timestamp": time.Now().Format("15:04:05"),
	})
}

// queuePage renders one page of a queue's jobs in a single state
func (d *Dashboard) queuePage(c *gin.Context) {
	name, ok := d.knownQueue(c)
	if !ok {
		return
	}

	state := models.StateActive
	if v := c.Query("state"); v != "" {
		st, err := models.ParseJobState(v)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		state = st
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	ctx := c.Request.Context()
	counts, err := d.broker.Counts(ctx, name)
	if err != nil {
		d.backendError(c, err)
		return
	}
	jobs, err := d.broker.ListJobs(ctx, name, state, page, PageSize)
	if err != nil {
		d.backendError(c, err)
		return
	}

	d.render(c, http.StatusOK, "queue.html", gin.H{
		"title":  name,
		"queue":  name,
		"counts": counts,
		"states": models.JobStates,
		"state":  state,
		"jobs":   jobs,
		"page":   page,
		"prev":   page - 1,
		"next":   page + 1,
		"more":   page*PageSize < counts.Get(state),
	})
}

// jobPage renders a single job with its progress and logs
func (d *Dashboard) jobPage(c *gin.Context) {
	name, ok := d.knownQueue(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	job, err := d.broker.GetJob(ctx, name, c.Param("id"))
	if err != nil {
		d.backendError(c, err)
		return
	}

	data := gin.H{
		"title": job.Name + " " + job.ID,
		"queue": name,
		"job":   job,
	}
	if d.store != nil {
		progress, has, err := d.store.Progress(ctx, name, job.ID)
		if err != nil {
			d.logger.Warn("load job progress failed", "queue", name, "job_id", job.ID, "error", err)
		}
		logs, err := d.store.Logs(ctx, name, job.ID, logLimit)
		if err != nil {
			d.logger.Warn("load job logs failed", "queue", name, "job_id", job.ID, "error", err)
		}
		data["progress"] = progress
		data["hasProgress"] = has
		data["logs"] = logs
	}
	d.render(c, http.StatusOK, "job.html", data)
}

func (d *Dashboard) pauseQueue(c *gin.Context) {
	d.queueAction(c, "paused", d.broker.PauseQueue)
}

func (d *Dashboard) resumeQueue(c *gin.Context) {
	d.queueAction(c, "resumed", d.broker.ResumeQueue)
}

func (d *Dashboard) queueAction(c *gin.Context, verb string, fn func(context.Context, string) error) {
	name, ok := d.knownQueue(c)
	if !ok {
		return
	}
	if err := fn(c.Request.Context(), name); err != nil {
		d.backendError(c, err)
		return
	}
	d.logger.Info("queue "+verb, "queue", name)
	c.Redirect(http.StatusFound, queueURL(name))
}

func (d *Dashboard) retryJob(c *gin.Context) {
	name, ok := d.knownQueue(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := d.broker.RetryJob(c.Request.Context(), name, id); err != nil {
		d.backendError(c, err)
		return
	}
	d.logger.Info("job retried", "queue", name, "job_id", id)
	c.Redirect(http.StatusFound, queueURL(name)+"/jobs/"+url.PathEscape(id))
}

func (d *Dashboard) deleteJob(c *gin.Context) {
	name, ok := d.knownQueue(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := d.broker.DeleteJob(ctx, name, id); err != nil {
		d.backendError(c, err)
		return
	}
	if d.store != nil {
		if err := d.store.DeleteJob(ctx, name, id); err != nil {
			d.logger.Warn("drop job progress failed", "queue", name, "job_id", id, "error", err)
		}
	}
	d.logger.Info("job deleted", "queue", name, "job_id", id)
	c.Redirect(http.StatusFound, queueURL(name))
}

// queuesJSON handles GET /ui/api/queues
func (d *Dashboard) queuesJSON(c *gin.Context) {
	summaries, err := d.summaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": summaries})
}

// Helper functions

func queueURL(name string) string {
	return "/ui/queues/" + url.PathEscape(name)
}

// knownQueue resolves the :queue parameter against the registry and writes a
// 404 when it is not on the board.
func (d *Dashboard) knownQueue(c *gin.Context) (string, bool) {
	name := c.Param("queue")
	if !d.queues.Has(name) {
		c.String(http.StatusNotFound, "queue not found")
		return "", false
	}
	return name, true
}

func (d *Dashboard) backendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrQueueNotFound):
		c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrJobState):
		c.String(http.StatusConflict, err.Error())
	default:
		d.logger.Error("queue backend error", "path", c.FullPath(), "error", err)
		c.String(http.StatusServiceUnavailable, "queue backend unavailable")
	}
}

func (d *Dashboard) summaries(ctx context.Context) ([]QueueSummary, error) {
	workers, err := d.broker.Workers(ctx)
	if err != nil {
		return nil, err
	}
	perQueue := make(map[string]int)
	for _, w := range workers {
		for _, q := range w.Queues {
			perQueue[q]++
		}
	}

	names := d.queues.Names()
	out := make([]QueueSummary, 0, len(names))
	for _, name := range names {
		counts, err := d.broker.Counts(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueSummary{Counts: counts, Workers: perQueue[name]})
	}
	return out, nil
}
