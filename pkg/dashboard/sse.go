package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// queuesSSE streams queue counts via Server-Sent Events
func (d *Dashboard) queuesSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Create a channel for client disconnection
	clientGone := c.Request.Context().Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.sendQueues(c)

		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}
	}
}

func (d *Dashboard) sendQueues(c *gin.Context) {
	summaries, err := d.summaries(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() == nil {
			d.logger.Warn("queue snapshot failed", "error", err)
		}
		return
	}

	payload, err := json.Marshal(gin.H{
		"queues":    summaries,
		"timestamp": time.Now().Format("15:04:05"),
	})
	if err != nil {
		return
	}

	// Send SSE event
	fmt.Fprintf(c.Writer, "event: queues\n")
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}
