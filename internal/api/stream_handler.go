package api

import (
	"io"

	"mallflow/internal/service"
	"mallflow/pkg/constraints"
	"mallflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamHub interface {
	NewClient(userID int64) *service.Client
	Register(c *service.Client)
	Unregister(c *service.Client)
}

type StreamHandler struct {
	hub StreamHub
}

func NewStreamHandler(hub StreamHub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// Watch keeps a server-sent event stream open and forwards every envelope
// pushed to the caller.
func (h *StreamHandler) Watch(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	actor := service.ActorFromContext(c.Request.Context())
	logger.Info("stream client connected",
		zap.Int64("user_id", actor.UserID),
		zap.String("ip", c.ClientIP()),
	)

	client := h.hub.NewClient(actor.UserID)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	c.Stream(func(w io.Writer) bool {
		select {
		case env, ok := <-client.Send:
			if !ok {
				return false
			}
			if env.Type == constraints.EventPing {
				c.SSEvent(constraints.SSEPing, env.Timestamp)
				return true
			}
			c.SSEvent(constraints.SSEMessage, env)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})

	logger.Info("stream client disconnected", zap.Int64("user_id", actor.UserID))
}
