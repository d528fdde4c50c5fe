package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sender is the write side of one client connection.
type Sender interface {
	// Send queues data for delivery and reports whether it was accepted.
	Send(data []byte) bool
	// Close ends the connection. Safe to call more than once.
	Close()
}

// PeerConfig tunes a Peer's pumps.
type PeerConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (c PeerConfig) withDefaults() PeerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Peer wraps a WebSocket connection with a buffered outbound queue drained by
// a single writer goroutine, so frames to one client keep their send order.
type Peer struct {
	ID   string
	conn *websocket.Conn
	cfg  PeerConfig
	log  *zap.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool

	onWriteError func(error)
}

// NewPeer creates a peer for an upgraded connection.
func NewPeer(id string, conn *websocket.Conn, cfg PeerConfig, log *zap.Logger) *Peer {
	cfg = cfg.withDefaults()
	return &Peer{
		ID:   id,
		conn: conn,
		cfg:  cfg,
		log:  log.With(zap.String("connection_id", id)),
		send: make(chan []byte, cfg.SendBuffer),
	}
}

// OnWriteError registers a callback invoked when a write to the socket fails.
func (p *Peer) OnWriteError(fn func(error)) { p.onWriteError = fn }

// Send queues data without blocking. A full buffer drops the frame.
func (p *Peer) Send(data []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.log.Warn("peer send buffer full, dropping frame")
		return false
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// ReadPump reads frames until the connection fails and hands each one to onMessage.
func (p *Peer) ReadPump(onMessage func(data []byte)) error {
	if p.cfg.MaxMessageSize > 0 {
		p.conn.SetReadLimit(p.cfg.MaxMessageSize)
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("read error", zap.Error(err))
			}
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
		onMessage(data)
	}
}

// WritePump drains the send queue and pings the client at 9/10 of the pong wait.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(p.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.writeFailed(err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.writeFailed(err)
				return
			}
		}
	}
}

func (p *Peer) writeFailed(err error) {
	p.log.Debug("write error", zap.Error(err))
	if p.onWriteError != nil {
		p.onWriteError(err)
	}
}
