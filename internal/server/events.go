package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleEvents streams lifecycle events over server-sent events. The
// subscription lives for the duration of the request and is torn down when
// the client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_unavailable"})
		return
	}

	events, cancel := h.notifier.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(event.Type, gin.H{"timestamp": event.Timestamp.UTC().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
