package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/livecheck/livecheck/internal/logging"
)

// getEvents streams status events as server-sent events until the client goes away.
func (s *Server) getEvents(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		errorJSON(c, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, cancel := s.svc.Events(eventBuffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: string(ev.Type), Data: ev}); err != nil {
				logging.Entry(ctx).Debugf("event stream write failed: %v", err)
				return
			}
			flusher.Flush()
		case now := <-ticker.C:
			if err := sse.Encode(c.Writer, sse.Event{Event: "ping", Data: now.UTC().Format(time.RFC3339)}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
