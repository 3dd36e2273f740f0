package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// streamChannel writes the current state, then re-reads and writes it again whenever the
// channel announces a change. A heartbeat keeps idle connections open.
func (h *httpHandler) streamChannel(c *gin.Context, channel, eventType string, read func() any) {
	ctx := c.Request.Context()
	messages, cleanup := h.dispatcher.Subscribe(ctx, channel)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(eventType, read())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, read())
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Timestamp: now.UTC()})
			return true
		}
	})
	h.logger.Debug("stream closed", zap.String("channel", channel))
}

func (h *httpHandler) handleRoomsStream(c *gin.Context) {
	h.streamChannel(c, realtimeChannelListings, RealtimeEventListingsChanged, func() any {
		return newListingsResponse(h.engine.Listings())
	})
}

func (h *httpHandler) handleFavoritesStream(c *gin.Context) {
	userID := currentUser(c)
	release, err := h.holdFavorites(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.favorites_stream", err)
		return
	}
	defer release()
	h.streamChannel(c, favoritesChannel(userID.String()), RealtimeEventFavoritesChanged, func() any {
		return h.favoritesSnapshot(userID)
	})
}
