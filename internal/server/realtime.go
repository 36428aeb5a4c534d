package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/repository"
)

const (
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "hippo-repository"
	defaultHeartbeatInterval = 15 * time.Second
)

// RealtimeMessage is the payload of one server-sent change event.
type RealtimeMessage struct {
	NodeID    string    `json:"nodeId,omitempty"`
	Path      string    `json:"path,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func messageFromChange(event repository.ChangeEvent) RealtimeMessage {
	return RealtimeMessage{
		NodeID:    event.NodeID,
		Path:      event.Path,
		UserID:    event.UserID,
		Timestamp: event.Timestamp.UTC(),
		Source:    realtimeSourceBackend,
	}
}

// handleEventStream streams persisted changes at or below the path query parameter. The
// event name is the change type; idle streams receive heartbeats.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	prefix, err := repository.NormalizePath(c.DefaultQuery("path", repository.RootPath))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	events, cleanup := h.repo.Observation().Subscribe(ctx, prefix)
	defer cleanup()

	principal, _ := principalFrom(c)
	h.logger.Debug("event stream opened", zap.String("user_id", principal.UserID), zap.String("path", prefix))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), messageFromChange(event))
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, RealtimeMessage{Timestamp: now.UTC(), Source: realtimeSourceBackend})
			return true
		}
	})
}
