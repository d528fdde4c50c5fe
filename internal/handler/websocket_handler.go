package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/service"
	"github.com/crystal-devs/rc-realtime/internal/transport"
)

// WSOptions sizes the upgrader buffers and each peer's pumps.
type WSOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	Peer            transport.PeerConfig
}

// StreamWSHandler upgrades GET /ws and hands the connection to the hub.
type StreamWSHandler struct {
	hub      *service.Hub
	upgrader websocket.Upgrader
	peerCfg  transport.PeerConfig
	logger   *zap.Logger
}

// NewStreamWSHandler creates the WebSocket handler.
func NewStreamWSHandler(hub *service.Hub, opts WSOptions, logger *zap.Logger) *StreamWSHandler {
	return &StreamWSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			// Clients authenticate in-band after the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peerCfg: opts.Peer,
		logger:  logger,
	}
}

// ServeWS upgrades the request and runs the connection until the client leaves.
// The connection starts unauthenticated; the first message must be authenticate.
func (h *StreamWSHandler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	peer := transport.NewPeer(id, conn, h.peerCfg, h.logger)
	peer.OnWriteError(func(error) { h.hub.MarkUnhealthy(id) })

	if err := h.hub.Open(id, peer); err != nil {
		h.logger.Info("connection refused", zap.String("connection_id", id), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go peer.WritePump()

	// The hijacked request's context is not tied to the socket.
	ctx := context.Background()
	_ = peer.ReadPump(func(data []byte) {
		h.hub.HandleMessage(ctx, id, data)
	})
	h.hub.Close(id)
}
