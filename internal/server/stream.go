package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 30 * time.Second
	streamWriteTimeout  = 10 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator dashboards are served from other origins; the session token
	// already authenticated the upgrade request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusStream pushes engine events over a websocket until the client
// disconnects. The current sync state is sent first.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("status stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx)
	defer cleanup()

	// Reads only detect disconnects; inbound messages are ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	state := h.engine.SyncState(ctx)
	initial := StatusMessage{
		EventType: StatusEventSync,
		Status:    state.Status,
		Mode:      state.OperatingMode,
		Timestamp: time.Now().UTC(),
	}
	if err := writeStreamMessage(conn, initial); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case message := <-stream:
			if err := writeStreamMessage(conn, message); err != nil {
				h.logger.Debug("status stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := writeStreamMessage(conn, StatusMessage{EventType: statusEventPing, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func writeStreamMessage(conn *websocket.Conn, message StatusMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}
